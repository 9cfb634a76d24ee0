package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-labs/blueplane/pkg/types"
)

func TestMemoryDeliverAndAck(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("test", 0)
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	id1, err := s.Add(ctx, map[string]any{"k": "v1"})
	require.NoError(t, err)
	_, err = s.Add(ctx, map[string]any{"k": "v2"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, "v1", msgs[0].Fields["k"])
	assert.Equal(t, int64(1), msgs[0].Deliveries)

	depth, err := s.PendingDepth(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	require.NoError(t, s.Ack(ctx, "g", msgs[0].ID))
	depth, _ = s.PendingDepth(ctx, "g")
	assert.Equal(t, int64(1), depth)

	// Entries already delivered to the group are not re-read.
	again, err := s.ReadGroup(ctx, "g", "c2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemoryClaimAfterIdle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("test", 0)
	require.NoError(t, s.EnsureGroup(ctx, "g"))
	_, err := s.Add(ctx, map[string]any{"k": "v"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, "g", "dead", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Fresh pending entries are not claimable.
	claimed, err := s.Claim(ctx, "g", "alive", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	s.ExpirePending("g", 2*time.Minute)
	claimed, err = s.Claim(ctx, "g", "alive", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, int64(2), claimed[0].Deliveries, "claim counts as a redelivery")

	require.NoError(t, s.Ack(ctx, "g", claimed[0].ID))
	claimed, _ = s.Claim(ctx, "g", "alive", 0, 10)
	assert.Empty(t, claimed, "acked entries are gone from the pending list")
}

func TestMemoryMaxLenTrims(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("test", 3)
	for i := 0; i < 5; i++ {
		_, err := s.Add(ctx, map[string]any{"i": i})
		require.NoError(t, err)
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryBlockingRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("test", 0)
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Add(ctx, map[string]any{"k": "late"})
	}()

	start := time.Now()
	msgs, err := s.ReadGroup(ctx, "g", "c", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Less(t, time.Since(start), time.Second, "read should return as soon as the entry lands")
}

func TestEnqueueWireFormat(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("ingress", 0)
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	e := &types.Event{
		EventID:    "evt-1",
		EnqueuedAt: time.Now().UTC(),
		Platform:   "cli",
		EventType:  types.EventSessionStart,
	}
	require.NoError(t, Enqueue(ctx, s, e))

	msgs, err := s.ReadGroup(ctx, "g", "c", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got, err := types.EventFromFields(msgs[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, types.EventSessionStart, got.EventType)
}

func TestEnqueueStampsMissingIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("ingress", 0)
	require.NoError(t, s.EnsureGroup(ctx, "g"))

	e := &types.Event{Platform: "cli", EventType: types.EventSessionStart}
	require.NoError(t, Enqueue(ctx, s, e))
	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.EnqueuedAt.IsZero())

	msgs, err := s.ReadGroup(ctx, "g", "c", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got, err := types.EventFromFields(msgs[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
}

func TestAppendDLQStampsFailedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory("dlq", 0)
	rec := &types.DLQRecord{EventID: "evt-1", Stage: types.StageFastPath, ErrorKind: "schema"}
	require.NoError(t, AppendDLQ(ctx, s, rec))
	assert.False(t, rec.FailedAt.IsZero())
}
