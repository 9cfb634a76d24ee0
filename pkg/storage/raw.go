package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sierra-labs/blueplane/pkg/codec"
	"github.com/sierra-labs/blueplane/pkg/types"
)

const rawSchema = `
CREATE TABLE IF NOT EXISTS raw_batches (
	batch_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	written_at        TEXT    NOT NULL,
	event_count       INTEGER NOT NULL,
	first_enqueued_at TEXT    NOT NULL,
	last_enqueued_at  TEXT    NOT NULL,
	codec_version     INTEGER NOT NULL,
	blob              BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_batches_last_enqueued
	ON raw_batches(last_enqueued_at);
`

// ErrInvariant marks internal inconsistencies that must fail the
// component fast rather than be retried.
type ErrInvariant struct {
	Msg string
}

func (e *ErrInvariant) Error() string { return "invariant violation: " + e.Msg }

// RawStore is the append-only compressed event log. Single writer,
// multiple readers.
type RawStore struct {
	db *sql.DB

	writeMu     sync.Mutex
	lastBatchID int64
}

// OpenRawStore opens (creating if needed) the raw store at path. Use
// ":memory:" for tests.
func OpenRawStore(path string) (*RawStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw store: %w", err)
	}
	if _, err := db.Exec(rawSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize raw store schema: %w", err)
	}
	s := &RawStore{db: db}
	if err := db.QueryRow(`SELECT COALESCE(MAX(batch_id), 0) FROM raw_batches`).Scan(&s.lastBatchID); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last batch id: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *RawStore) Close() error {
	return s.db.Close()
}

// Append compresses and persists a batch of events in one transaction,
// returning the assigned batch id. A failure rolls back the whole batch.
func (s *RawStore) Append(ctx context.Context, events []*types.Event) (int64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("refusing to append empty batch")
	}
	version, blob, err := codec.Encode(events)
	if err != nil {
		return 0, err
	}
	first, last := events[0].EnqueuedAt, events[0].EnqueuedAt
	for _, e := range events[1:] {
		if e.EnqueuedAt.Before(first) {
			first = e.EnqueuedAt
		}
		if e.EnqueuedAt.After(last) {
			last = e.EnqueuedAt
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin raw store transaction: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO raw_batches (written_at, event_count, first_enqueued_at, last_enqueued_at, codec_version, blob)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		len(events),
		first.UTC().Format(time.RFC3339Nano),
		last.UTC().Format(time.RFC3339Nano),
		int(version),
		blob,
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to append batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to read batch id: %w", err)
	}
	if batchID <= s.lastBatchID {
		tx.Rollback()
		return 0, &ErrInvariant{Msg: fmt.Sprintf("batch id went backward: %d after %d", batchID, s.lastBatchID)}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	s.lastBatchID = batchID
	return batchID, nil
}

// Read returns the decompressed events of a batch.
func (s *RawStore) Read(ctx context.Context, batchID int64) ([]*types.Event, error) {
	b, err := s.ReadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	events, err := codec.Decode(b.CodecVersion, b.Blob)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", batchID, err)
	}
	if len(events) != b.EventCount {
		return nil, &ErrInvariant{Msg: fmt.Sprintf("batch %d decompressed to %d events, recorded %d", batchID, len(events), b.EventCount)}
	}
	return events, nil
}

// ReadBatch returns the raw batch row without decompressing the blob.
func (s *RawStore) ReadBatch(ctx context.Context, batchID int64) (*types.RawBatch, error) {
	var (
		b            types.RawBatch
		written      string
		first, last  string
		codecVersion int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, written_at, event_count, first_enqueued_at, last_enqueued_at, codec_version, blob
		 FROM raw_batches WHERE batch_id = ?`, batchID,
	).Scan(&b.BatchID, &written, &b.EventCount, &first, &last, &codecVersion, &b.Blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch %d not found", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %d: %w", batchID, err)
	}
	b.CodecVersion = byte(codecVersion)
	b.WrittenAt, _ = time.Parse(time.RFC3339Nano, written)
	b.FirstEnqueuedAt, _ = time.Parse(time.RFC3339Nano, first)
	b.LastEnqueuedAt, _ = time.Parse(time.RFC3339Nano, last)
	return &b, nil
}

// ReadEvent resolves a (batch_id, index) payload reference.
func (s *RawStore) ReadEvent(ctx context.Context, ref *types.PayloadRef) (*types.Event, error) {
	events, err := s.Read(ctx, ref.BatchID)
	if err != nil {
		return nil, err
	}
	if ref.Index < 0 || ref.Index >= len(events) {
		return nil, fmt.Errorf("batch %d has no event at index %d", ref.BatchID, ref.Index)
	}
	return events[ref.Index], nil
}

// Scan walks all events of a session with enqueued_at at or after since,
// in batch commit order, invoking fn for each. fn returning an error
// stops the scan.
func (s *RawStore) Scan(ctx context.Context, sessionKey string, since time.Time, fn func(*types.Event) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, codec_version, blob FROM raw_batches
		 WHERE last_enqueued_at >= ? ORDER BY batch_id`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to scan raw store: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			batchID      int64
			codecVersion int
			blob         []byte
		)
		if err := rows.Scan(&batchID, &codecVersion, &blob); err != nil {
			return fmt.Errorf("failed to scan batch row: %w", err)
		}
		events, err := codec.Decode(byte(codecVersion), blob)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batchID, err)
		}
		for _, e := range events {
			if e.SessionKey() != sessionKey || e.EnqueuedAt.Before(since) {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

// BatchCount returns the number of committed batches.
func (s *RawStore) BatchCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_batches`).Scan(&n)
	return n, err
}

// PruneBefore removes batches whose newest event is older than cutoff.
// Retention is an operator concern; the pipeline never calls this.
func (s *RawStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_batches WHERE last_enqueued_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune raw store: %w", err)
	}
	return res.RowsAffected()
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_fk=1"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialize at the pool level so
	// concurrent callers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
