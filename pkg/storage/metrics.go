package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const metricsSchema = `
CREATE TABLE IF NOT EXISTS counters (
	scope  TEXT NOT NULL,
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	bucket TEXT NOT NULL,
	value  REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, name, labels, bucket)
);
CREATE TABLE IF NOT EXISTS gauges (
	scope      TEXT NOT NULL,
	name       TEXT NOT NULL,
	labels     TEXT NOT NULL,
	bucket     TEXT NOT NULL,
	value      REAL NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (scope, name, labels, bucket)
);
CREATE TABLE IF NOT EXISTS histograms (
	scope  TEXT NOT NULL,
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	bucket TEXT NOT NULL,
	bound  REAL NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, name, labels, bucket, bound)
);
CREATE TABLE IF NOT EXISTS applied (
	event_id   TEXT NOT NULL,
	metric_key TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	PRIMARY KEY (event_id, metric_key)
);
CREATE INDEX IF NOT EXISTS idx_applied_at ON applied(applied_at);
`

// Scope partitions the metric keyspace.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeSession  Scope = "session"
	ScopeTool     Scope = "tool"
	ScopePlatform Scope = "platform"
)

// Op is the kind of update a Delta applies.
type Op string

const (
	OpInc      Op = "inc"       // monotonic counter increment
	OpGaugeSet Op = "gauge_set" // last-writer-wins gauge
	OpGaugeAdd Op = "gauge_add" // gauge adjustment (may be negative)
	OpObserve  Op = "observe"   // histogram observation
)

// MetricKey addresses one metric series.
type MetricKey struct {
	Scope  Scope
	Name   string
	Labels string // canonical, from Labels()
	Bucket string // time-window identifier, "" for all-time
}

// String returns the dedup-index form of the key.
func (k MetricKey) String() string {
	return string(k.Scope) + "|" + k.Name + "|" + k.Labels + "|" + k.Bucket
}

// Delta is one conditional update produced by the metrics aggregator.
type Delta struct {
	Key   MetricKey
	Op    Op
	Value float64
}

// Labels canonicalizes a label set into a stable string form.
func Labels(kv map[string]string) string {
	if len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + kv[k]
	}
	return strings.Join(parts, ",")
}

// Time-window bucket identifiers.
func MinuteBucket(t time.Time) string { return "m:" + t.UTC().Format("2006-01-02T15:04") }
func HourBucket(t time.Time) string   { return "h:" + t.UTC().Format("2006-01-02T15") }
func DayBucket(t time.Time) string    { return "d:" + t.UTC().Format("2006-01-02") }

// MinuteBuckets returns the n minute buckets ending at t, oldest first.
func MinuteBuckets(t time.Time, n int) []string {
	buckets := make([]string, n)
	for i := 0; i < n; i++ {
		buckets[i] = MinuteBucket(t.Add(-time.Duration(n-1-i) * time.Minute))
	}
	return buckets
}

// HistogramBounds are the exponential latency buckets in milliseconds.
// Observations above the last bound land on +Inf.
var HistogramBounds = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// MetricsStore holds the rolling aggregates produced by the metrics
// aggregator, with a dedup index making every delta idempotent per
// (event_id, metric_key).
type MetricsStore struct {
	db *sql.DB
}

// OpenMetricsStore opens (creating if needed) the metrics store at path.
func OpenMetricsStore(path string) (*MetricsStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics store: %w", err)
	}
	if _, err := db.Exec(metricsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return &MetricsStore{db: db}, nil
}

// Close closes the database.
func (s *MetricsStore) Close() error {
	return s.db.Close()
}

// Apply applies a delta set for one event in a single transaction. Each
// delta is guarded by the (event_id, metric_key) dedup index, so
// reprocessing the same event never double-counts.
func (s *MetricsStore) Apply(ctx context.Context, eventID string, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, d := range deltas {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied (event_id, metric_key, applied_at) VALUES (?, ?, ?)
			 ON CONFLICT(event_id, metric_key) DO NOTHING`,
			eventID, d.Key.String(), now,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update dedup index: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // already applied by an earlier delivery
		}
		if err := applyDelta(ctx, tx, d, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics update: %w", err)
	}
	return nil
}

func applyDelta(ctx context.Context, tx *sql.Tx, d Delta, now string) error {
	k := d.Key
	switch d.Op {
	case OpInc:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO counters (scope, name, labels, bucket, value) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(scope, name, labels, bucket) DO UPDATE SET value = value + excluded.value`,
			string(k.Scope), k.Name, k.Labels, k.Bucket, d.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to increment %s: %w", k, err)
		}
	case OpGaugeSet:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gauges (scope, name, labels, bucket, value, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(scope, name, labels, bucket) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			string(k.Scope), k.Name, k.Labels, k.Bucket, d.Value, now,
		)
		if err != nil {
			return fmt.Errorf("failed to set gauge %s: %w", k, err)
		}
	case OpGaugeAdd:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gauges (scope, name, labels, bucket, value, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(scope, name, labels, bucket) DO UPDATE SET value = gauges.value + excluded.value, updated_at = excluded.updated_at`,
			string(k.Scope), k.Name, k.Labels, k.Bucket, d.Value, now,
		)
		if err != nil {
			return fmt.Errorf("failed to adjust gauge %s: %w", k, err)
		}
	case OpObserve:
		bound := math.Inf(1)
		for _, b := range HistogramBounds {
			if d.Value <= b {
				bound = b
				break
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO histograms (scope, name, labels, bucket, bound, count) VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT(scope, name, labels, bucket, bound) DO UPDATE SET count = count + 1`,
			string(k.Scope), k.Name, k.Labels, k.Bucket, bound,
		)
		if err != nil {
			return fmt.Errorf("failed to observe %s: %w", k, err)
		}
	default:
		return fmt.Errorf("unknown metric op %q", d.Op)
	}
	return nil
}

// CounterValue returns the value of one counter series, 0 when absent.
func (s *MetricsStore) CounterValue(ctx context.Context, k MetricKey) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE scope = ? AND name = ? AND labels = ? AND bucket = ?`,
		string(k.Scope), k.Name, k.Labels, k.Bucket,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// SumCounter sums a counter across all buckets and label sets matching
// the name within a scope.
func (s *MetricsStore) SumCounter(ctx context.Context, scope Scope, name string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(value), 0) FROM counters WHERE scope = ? AND name = ?`,
		string(scope), name,
	).Scan(&v)
	return v, err
}

// SumCounterBuckets sums a counter series over the given buckets.
func (s *MetricsStore) SumCounterBuckets(ctx context.Context, scope Scope, name, labels string, buckets []string) (float64, error) {
	if len(buckets) == 0 {
		return 0, nil
	}
	args := []any{string(scope), name, labels}
	marks := make([]string, len(buckets))
	for i, b := range buckets {
		marks[i] = "?"
		args = append(args, b)
	}
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(value), 0) FROM counters
		 WHERE scope = ? AND name = ? AND labels = ? AND bucket IN (`+strings.Join(marks, ",")+`)`,
		args...,
	).Scan(&v)
	return v, err
}

// GaugeValue returns a gauge value and whether the series exists.
func (s *MetricsStore) GaugeValue(ctx context.Context, k MetricKey) (float64, bool, error) {
	var v float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM gauges WHERE scope = ? AND name = ? AND labels = ? AND bucket = ?`,
		string(k.Scope), k.Name, k.Labels, k.Bucket,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// HistogramCount returns the total observation count of one histogram
// series across all bounds.
func (s *MetricsStore) HistogramCount(ctx context.Context, k MetricKey) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM histograms WHERE scope = ? AND name = ? AND labels = ? AND bucket = ?`,
		string(k.Scope), k.Name, k.Labels, k.Bucket,
	).Scan(&n)
	return n, err
}

// PruneApplied drops dedup entries older than cutoff. Called on the same
// rolling window as raw-store retention.
func (s *MetricsStore) PruneApplied(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM applied WHERE applied_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dedup index: %w", err)
	}
	return res.RowsAffected()
}
