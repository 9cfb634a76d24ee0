package custody

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/types"
)

func newAccounting(t *testing.T) (*Accounting, *storage.MetricsStore) {
	t.Helper()
	store, err := storage.OpenMetricsStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestChainIntact(t *testing.T) {
	ctx := context.Background()
	a, _ := newAccounting(t)
	now := time.Now().UTC()

	for _, id := range []string{"e1", "e2", "e3"} {
		a.IngressObserved(ctx, id, now)
		a.RawPersisted(ctx, id, now)
		a.CDCPublished(ctx, id, now)
	}

	report, err := a.Check(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3.0, report.Ingress)
	assert.Equal(t, 3.0, report.Persisted)
	assert.False(t, report.Broken)
}

func TestChainAccountsForDeadLetters(t *testing.T) {
	ctx := context.Background()
	a, _ := newAccounting(t)
	now := time.Now().UTC()

	a.IngressObserved(ctx, "good", now)
	a.RawPersisted(ctx, "good", now)
	a.IngressObserved(ctx, "poison", now)
	a.DLQObserved(ctx, "poison", types.StageFastPath, now)

	report, err := a.Check(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2.0, report.Ingress)
	assert.Equal(t, 1.0, report.Persisted)
	assert.Equal(t, 1.0, report.DLQFastPath)
	assert.False(t, report.Broken, "a dead-lettered event is accounted for, not lost")
}

func TestChainBreakDetected(t *testing.T) {
	ctx := context.Background()
	a, _ := newAccounting(t)
	now := time.Now().UTC()

	a.IngressObserved(ctx, "e1", now)
	a.IngressObserved(ctx, "e2", now)
	a.RawPersisted(ctx, "e1", now)
	// e2 vanished: neither persisted nor dead-lettered.

	report, err := a.Check(ctx, now)
	require.NoError(t, err)
	assert.True(t, report.Broken)
}

func TestChainCountersIdempotentUnderRedelivery(t *testing.T) {
	ctx := context.Background()
	a, store := newAccounting(t)
	now := time.Now().UTC()

	// The same event observed twice, as after an ack failure.
	a.IngressObserved(ctx, "e1", now)
	a.IngressObserved(ctx, "e1", now)
	a.RawPersisted(ctx, "e1", now)
	a.RawPersisted(ctx, "e1", now)

	total, err := store.SumCounter(ctx, storage.ScopeGlobal, CounterIngressEnqueued)
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)

	report, err := a.Check(ctx, now)
	require.NoError(t, err)
	assert.False(t, report.Broken)
}

func TestChainWindowExcludesOldBuckets(t *testing.T) {
	ctx := context.Background()
	a, _ := newAccounting(t)
	now := time.Now().UTC()

	a.IngressObserved(ctx, "old", now.Add(-2*time.Hour))
	report, err := a.Check(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, report.Ingress, "counters outside the sliding hour are ignored")
}

func TestDerivedAppliedPerBuilder(t *testing.T) {
	ctx := context.Background()
	a, store := newAccounting(t)
	now := time.Now().UTC()

	a.DerivedApplied(ctx, "e1", "conversation_builder", now)
	a.DerivedApplied(ctx, "e1", "metrics_aggregator", now)

	v, err := store.SumCounterBuckets(ctx, storage.ScopeGlobal, CounterDerivedApplied,
		storage.Labels(map[string]string{"builder": "conversation_builder"}), storage.MinuteBuckets(now, 60))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}
