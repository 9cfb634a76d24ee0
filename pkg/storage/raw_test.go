package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-labs/blueplane/pkg/types"
)

func testEvent(id, platform, session string, typ types.EventType, at time.Time) *types.Event {
	return &types.Event{
		EventID:           id,
		EnqueuedAt:        at,
		Platform:          platform,
		ExternalSessionID: session,
		EventType:         typ,
		Payload:           types.Payload{"prompt_length": 1.0},
	}
}

func TestRawAppendRead(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	at := time.Now().UTC().Truncate(time.Millisecond)
	events := []*types.Event{
		testEvent("e1", "vscode", "s1", types.EventUserPrompt, at),
		testEvent("e2", "vscode", "s1", types.EventUserPrompt, at.Add(time.Second)),
	}
	batchID, err := s.Append(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batchID)

	got, err := s.Read(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].EventID)
	assert.True(t, got[1].EnqueuedAt.Equal(at.Add(time.Second)))

	b, err := s.ReadBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, b.EventCount)
	assert.True(t, b.FirstEnqueuedAt.Equal(at))
	assert.True(t, b.LastEnqueuedAt.Equal(at.Add(time.Second)))

	n, err := s.BatchCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRawAppendEmptyBatch(t *testing.T) {
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(context.Background(), nil)
	require.Error(t, err)
}

func TestRawBatchIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, []*types.Event{
			testEvent(fmt.Sprintf("e%d", i), "cli", "s1", types.EventUserPrompt, time.Now().UTC()),
		})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestRawReadEvent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	batchID, err := s.Append(ctx, []*types.Event{
		testEvent("e1", "cli", "s1", types.EventUserPrompt, time.Now().UTC()),
		testEvent("e2", "cli", "s1", types.EventUserPrompt, time.Now().UTC()),
	})
	require.NoError(t, err)

	e, err := s.ReadEvent(ctx, &types.PayloadRef{BatchID: batchID, Index: 1})
	require.NoError(t, err)
	assert.Equal(t, "e2", e.EventID)

	_, err = s.ReadEvent(ctx, &types.PayloadRef{BatchID: batchID, Index: 9})
	require.Error(t, err)

	_, err = s.ReadEvent(ctx, &types.PayloadRef{BatchID: 404, Index: 0})
	require.Error(t, err)
}

func TestRawScanFiltersSessionAndSince(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().UTC().Truncate(time.Second)
	_, err = s.Append(ctx, []*types.Event{
		testEvent("old", "cli", "target", types.EventUserPrompt, base.Add(-time.Hour)),
		testEvent("other", "cli", "noise", types.EventUserPrompt, base),
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, []*types.Event{
		testEvent("e1", "cli", "target", types.EventUserPrompt, base.Add(time.Minute)),
		testEvent("e2", "cli", "target", types.EventUserPrompt, base.Add(2*time.Minute)),
	})
	require.NoError(t, err)

	var ids []string
	err = s.Scan(ctx, types.SessionKey("cli", "target"), base, func(e *types.Event) error {
		ids = append(ids, e.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids)

	// Callback errors stop the scan.
	stop := fmt.Errorf("stop")
	err = s.Scan(ctx, types.SessionKey("cli", "target"), base, func(e *types.Event) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestRawPruneBefore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenRawStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	base := time.Now().UTC()
	_, err = s.Append(ctx, []*types.Event{testEvent("old", "cli", "s1", types.EventUserPrompt, base.Add(-48*time.Hour))})
	require.NoError(t, err)
	_, err = s.Append(ctx, []*types.Event{testEvent("new", "cli", "s1", types.EventUserPrompt, base)})
	require.NoError(t, err)

	removed, err := s.PruneBefore(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, _ := s.BatchCount(ctx)
	assert.Equal(t, int64(1), n)
}

func TestErrInvariantMessage(t *testing.T) {
	err := &ErrInvariant{Msg: "batch id went backward"}
	assert.Contains(t, err.Error(), "invariant violation")
}
