package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMetricsStore(t *testing.T) *MetricsStore {
	t.Helper()
	s, err := OpenMetricsStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLabelsCanonical(t *testing.T) {
	assert.Equal(t, "", Labels(nil))
	assert.Equal(t, "a=1,b=2", Labels(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t,
		Labels(map[string]string{"x": "1", "y": "2"}),
		Labels(map[string]string{"y": "2", "x": "1"}),
	)
}

func TestBucketHelpers(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 59, 0, time.UTC)
	assert.Equal(t, "m:2026-08-25T14:30", MinuteBucket(at))
	assert.Equal(t, "h:2026-08-25T14", HourBucket(at))
	assert.Equal(t, "d:2026-08-25", DayBucket(at))

	buckets := MinuteBuckets(at, 3)
	assert.Equal(t, []string{"m:2026-08-25T14:28", "m:2026-08-25T14:29", "m:2026-08-25T14:30"}, buckets)
}

func TestApplyCounterIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	k := MetricKey{Scope: ScopeGlobal, Name: "events_total", Bucket: "m:2026-08-25T14:30"}
	deltas := []Delta{{Key: k, Op: OpInc, Value: 1}}

	require.NoError(t, s.Apply(ctx, "evt-1", deltas))
	require.NoError(t, s.Apply(ctx, "evt-1", deltas), "redelivery of the same event")
	require.NoError(t, s.Apply(ctx, "evt-2", deltas))

	v, err := s.CounterValue(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v, "two distinct events, one counted once despite redelivery")
}

func TestApplyGauges(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	k := MetricKey{Scope: ScopeGlobal, Name: "sessions_active"}
	require.NoError(t, s.Apply(ctx, "e1", []Delta{{Key: k, Op: OpGaugeAdd, Value: 1}}))
	require.NoError(t, s.Apply(ctx, "e2", []Delta{{Key: k, Op: OpGaugeAdd, Value: 1}}))
	require.NoError(t, s.Apply(ctx, "e3", []Delta{{Key: k, Op: OpGaugeAdd, Value: -1}}))

	v, ok, err := s.GaugeValue(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	require.NoError(t, s.Apply(ctx, "e4", []Delta{{Key: k, Op: OpGaugeSet, Value: 7}}))
	v, _, _ = s.GaugeValue(ctx, k)
	assert.Equal(t, 7.0, v)

	_, ok, err = s.GaugeValue(ctx, MetricKey{Scope: ScopeGlobal, Name: "missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyHistogram(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	k := MetricKey{Scope: ScopeTool, Name: "tool_latency_ms", Labels: "tool_name=grep"}
	for i, v := range []float64{0.5, 3, 900, 99999} {
		require.NoError(t, s.Apply(ctx, string(rune('a'+i)), []Delta{{Key: k, Op: OpObserve, Value: v}}))
	}
	n, err := s.HistogramCount(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "observations above the last bound land on +Inf")
}

func TestSumCounterBuckets(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		k := MetricKey{Scope: ScopeGlobal, Name: "cc_raw_persisted", Bucket: MinuteBucket(at.Add(time.Duration(i) * time.Minute))}
		require.NoError(t, s.Apply(ctx, string(rune('a'+i)), []Delta{{Key: k, Op: OpInc, Value: 1}}))
	}

	v, err := s.SumCounterBuckets(ctx, ScopeGlobal, "cc_raw_persisted", "", MinuteBuckets(at.Add(time.Minute), 2))
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	total, err := s.SumCounter(ctx, ScopeGlobal, "cc_raw_persisted")
	require.NoError(t, err)
	assert.Equal(t, 3.0, total)

	v, err = s.SumCounterBuckets(ctx, ScopeGlobal, "cc_raw_persisted", "", nil)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestApplyPartialDedupPerMetricKey(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	k1 := MetricKey{Scope: ScopeGlobal, Name: "a"}
	k2 := MetricKey{Scope: ScopeGlobal, Name: "b"}

	// First delivery applies only one of the two deltas.
	require.NoError(t, s.Apply(ctx, "evt-1", []Delta{{Key: k1, Op: OpInc, Value: 1}}))
	// Redelivery carries both; only the missing one lands.
	require.NoError(t, s.Apply(ctx, "evt-1", []Delta{
		{Key: k1, Op: OpInc, Value: 1},
		{Key: k2, Op: OpInc, Value: 1},
	}))

	v1, _ := s.CounterValue(ctx, k1)
	v2, _ := s.CounterValue(ctx, k2)
	assert.Equal(t, 1.0, v1)
	assert.Equal(t, 1.0, v2)
}

func TestPruneApplied(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	k := MetricKey{Scope: ScopeGlobal, Name: "a"}
	require.NoError(t, s.Apply(ctx, "evt-1", []Delta{{Key: k, Op: OpInc, Value: 1}}))

	removed, err := s.PruneApplied(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestApplyUnknownOp(t *testing.T) {
	ctx := context.Background()
	s := openMetricsStore(t)

	err := s.Apply(ctx, "evt-1", []Delta{{Key: MetricKey{Scope: ScopeGlobal, Name: "x"}, Op: Op("bogus")}})
	require.Error(t, err)
}
