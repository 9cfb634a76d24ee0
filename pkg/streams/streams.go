package streams

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sierra-labs/blueplane/pkg/types"
)

// Message is one delivered stream entry. ID is the stream-assigned entry
// id, Deliveries the total delivery count for entries obtained through
// Claim (1 for fresh reads).
type Message struct {
	ID         string
	Fields     map[string]string
	Deliveries int64
}

// Stream is the capability set the pipeline needs from an append-only
// log with consumer groups.
type Stream interface {
	// Name returns the stream name.
	Name() string
	// Add appends an entry and returns its stream-assigned id.
	Add(ctx context.Context, fields map[string]any) (string, error)
	// EnsureGroup creates the consumer group if it does not exist.
	EnsureGroup(ctx context.Context, group string) error
	// ReadGroup reads up to count fresh entries for the consumer,
	// blocking up to block when none are available.
	ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error)
	// Ack acknowledges entries for the group.
	Ack(ctx context.Context, group string, ids ...string) error
	// Claim transfers up to count pending entries idle for at least
	// minIdle to the consumer.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)
	// PendingDepth returns the size of the group's pending-entries list.
	PendingDepth(ctx context.Context, group string) (int64, error)
	// Len returns the number of entries currently retained.
	Len(ctx context.Context) (int64, error)
}

// Enqueue appends an event to a stream in the capture-agent wire format,
// stamping a fresh event id and enqueue time when the producer left them
// unset.
func Enqueue(ctx context.Context, s Stream, e *types.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.Add(ctx, e.Fields())
	return err
}

// AppendDLQ deposits a dead-letter record on the DLQ stream.
func AppendDLQ(ctx context.Context, s Stream, rec *types.DLQRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	_, err := s.Add(ctx, rec.Fields())
	return err
}
