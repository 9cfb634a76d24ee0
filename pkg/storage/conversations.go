package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sierra-labs/blueplane/pkg/types"
)

const conversationSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key         TEXT PRIMARY KEY,
	platform            TEXT NOT NULL,
	external_session_id TEXT NOT NULL,
	first_seen_at       TEXT NOT NULL,
	last_seen_at        TEXT NOT NULL,
	status              TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	session_key       TEXT    NOT NULL,
	turn_id           INTEGER NOT NULL,
	prompt_event_id   TEXT    NOT NULL,
	response_event_id TEXT,
	started_at        TEXT    NOT NULL,
	completed_at      TEXT,
	accepted          TEXT    NOT NULL DEFAULT 'unknown',
	tool_uses_blob    TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (session_key, turn_id)
);
CREATE TABLE IF NOT EXISTS applied (
	event_id   TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// ErrAlreadyApplied is returned from inside an Update fn context when the
// event was applied by an earlier delivery. Update swallows it.
var ErrAlreadyApplied = errors.New("event already applied")

// ConversationStore holds reconstructed sessions and turns.
type ConversationStore struct {
	db *sql.DB
}

// OpenConversationStore opens (creating if needed) the conversation
// store at path.
func OpenConversationStore(path string) (*ConversationStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	if _, err := db.Exec(conversationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return &ConversationStore{db: db}, nil
}

// Close closes the database.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

// ConvTx exposes the conversation mutations available inside Update.
// All mutations commit atomically with the applied-index insert.
type ConvTx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Update runs fn inside one transaction guarded by the applied index:
// if eventID was already applied, fn is skipped and Update returns nil.
// This is what makes the conversation builder idempotent per event id.
func (s *ConversationStore) Update(ctx context.Context, eventID string, fn func(tx *ConvTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin conversation transaction: %w", err)
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM applied WHERE event_id = ?`, eventID).Scan(&one)
	if err == nil {
		tx.Rollback()
		return nil
	}
	if err != sql.ErrNoRows {
		tx.Rollback()
		return fmt.Errorf("failed to check applied index: %w", err)
	}
	if err := fn(&ConvTx{tx: tx, ctx: ctx}); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrAlreadyApplied) {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO applied (event_id, applied_at) VALUES (?, ?)`,
		eventID, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to mark event applied: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation update: %w", err)
	}
	return nil
}

// GetSession returns the session inside the transaction, or nil.
func (t *ConvTx) GetSession(key string) (*types.Session, error) {
	return scanSession(t.tx.QueryRowContext(t.ctx,
		`SELECT session_key, platform, external_session_id, first_seen_at, last_seen_at, status
		 FROM sessions WHERE session_key = ?`, key))
}

// PutSession inserts or replaces the session row.
func (t *ConvTx) PutSession(s *types.Session) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO sessions (session_key, platform, external_session_id, first_seen_at, last_seen_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			first_seen_at = excluded.first_seen_at,
			last_seen_at  = excluded.last_seen_at,
			status        = excluded.status`,
		s.SessionKey, s.Platform, s.ExternalSessionID,
		s.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		s.LastSeenAt.UTC().Format(time.RFC3339Nano),
		string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to put session %s: %w", s.SessionKey, err)
	}
	return nil
}

// LatestTurn returns the turn with the highest turn id for the session,
// or nil when the session has none.
func (t *ConvTx) LatestTurn(key string) (*types.Turn, error) {
	turn, err := scanTurn(t.tx.QueryRowContext(t.ctx,
		turnSelect+` WHERE session_key = ? ORDER BY turn_id DESC LIMIT 1`, key))
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// PutTurn inserts or replaces a turn row.
func (t *ConvTx) PutTurn(turn *types.Turn) error {
	toolUses, err := json.Marshal(turn.ToolUses)
	if err != nil {
		return fmt.Errorf("failed to serialize tool uses: %w", err)
	}
	var completed any
	if turn.CompletedAt != nil {
		completed = turn.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	var response any
	if turn.ResponseEventID != "" {
		response = turn.ResponseEventID
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO turns (session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key, turn_id) DO UPDATE SET
			response_event_id = excluded.response_event_id,
			completed_at      = excluded.completed_at,
			accepted          = excluded.accepted,
			tool_uses_blob    = excluded.tool_uses_blob`,
		turn.SessionKey, turn.TurnID, turn.PromptEventID, response,
		turn.StartedAt.UTC().Format(time.RFC3339Nano), completed,
		string(turn.Accepted), string(toolUses),
	)
	if err != nil {
		return fmt.Errorf("failed to put turn %s/%d: %w", turn.SessionKey, turn.TurnID, err)
	}
	return nil
}

// GetSession returns a session outside any transaction, or nil.
func (s *ConversationStore) GetSession(ctx context.Context, key string) (*types.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT session_key, platform, external_session_id, first_seen_at, last_seen_at, status
		 FROM sessions WHERE session_key = ?`, key))
}

// SessionCount returns the number of sessions.
func (s *ConversationStore) SessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// ListTurns returns all turns of a session ordered by turn id.
func (s *ConversationStore) ListTurns(ctx context.Context, key string) ([]*types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, turnSelect+` WHERE session_key = ? ORDER BY turn_id`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for %s: %w", key, err)
	}
	defer rows.Close()
	var turns []*types.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

const turnSelect = `SELECT session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob FROM turns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		s           types.Session
		first, last string
		status      string
	)
	err := row.Scan(&s.SessionKey, &s.Platform, &s.ExternalSessionID, &first, &last, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.FirstSeenAt, _ = time.Parse(time.RFC3339Nano, first)
	s.LastSeenAt, _ = time.Parse(time.RFC3339Nano, last)
	s.Status = types.SessionStatus(status)
	return &s, nil
}

func scanTurn(row rowScanner) (*types.Turn, error) {
	var (
		turn      types.Turn
		response  sql.NullString
		started   string
		completed sql.NullString
		accepted  string
		toolUses  string
	)
	err := row.Scan(&turn.SessionKey, &turn.TurnID, &turn.PromptEventID, &response, &started, &completed, &accepted, &toolUses)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan turn: %w", err)
	}
	turn.ResponseEventID = response.String
	turn.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if completed.Valid {
		at, _ := time.Parse(time.RFC3339Nano, completed.String)
		turn.CompletedAt = &at
	}
	turn.Accepted = types.Acceptance(accepted)
	if err := json.Unmarshal([]byte(toolUses), &turn.ToolUses); err != nil {
		return nil, fmt.Errorf("failed to parse tool uses for %s/%d: %w", turn.SessionKey, turn.TurnID, err)
	}
	return &turn, nil
}
