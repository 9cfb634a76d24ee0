// Package custody maintains the chain-of-custody accounting: per-minute
// counters correlating ingress, raw persistence, CDC publication,
// derived-state application and dead-lettering. A sliding-hour check
// flags chain breaks, meaning events were acknowledged on ingress
// without landing in either the raw store or the DLQ.
package custody

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/types"
)

// Counter names. All live in the global scope with per-minute buckets.
const (
	CounterIngressEnqueued = "cc_ingress_enqueued"
	CounterRawPersisted    = "cc_raw_persisted"
	CounterCDCPublished    = "cc_cdc_published"
	CounterDerivedApplied  = "cc_derived_applied"
	CounterDLQTotal        = "cc_dlq_total"
)

// Accounting writes custody counters through the metrics store. Every
// increment is keyed by the event id, so redeliveries along the pipeline
// do not inflate the counts.
type Accounting struct {
	store  *storage.MetricsStore
	logger zerolog.Logger
}

// New creates the accounting surface over the metrics store.
func New(store *storage.MetricsStore) *Accounting {
	return &Accounting{store: store, logger: log.WithComponent("custody")}
}

func (a *Accounting) inc(ctx context.Context, eventID, name, labels string, at time.Time) {
	err := a.store.Apply(ctx, eventID, []storage.Delta{{
		Key: storage.MetricKey{
			Scope:  storage.ScopeGlobal,
			Name:   name,
			Labels: labels,
			Bucket: storage.MinuteBucket(at),
		},
		Op:    storage.OpInc,
		Value: 1,
	}})
	if err != nil {
		// Accounting failures must never stall the pipeline.
		a.logger.Warn().Err(err).Str("counter", name).Msg("failed to record custody counter")
	}
}

// IngressObserved records an event observed on the ingress stream.
func (a *Accounting) IngressObserved(ctx context.Context, eventID string, at time.Time) {
	a.inc(ctx, eventID, CounterIngressEnqueued, "", at)
}

// RawPersisted records an event committed to the raw store.
func (a *Accounting) RawPersisted(ctx context.Context, eventID string, at time.Time) {
	a.inc(ctx, eventID, CounterRawPersisted, "", at)
}

// CDCPublished records a CDC record successfully appended.
func (a *Accounting) CDCPublished(ctx context.Context, eventID string, at time.Time) {
	a.inc(ctx, eventID, CounterCDCPublished, "", at)
}

// DerivedApplied records an event that passed through a builder.
func (a *Accounting) DerivedApplied(ctx context.Context, eventID, builder string, at time.Time) {
	a.inc(ctx, eventID, CounterDerivedApplied, storage.Labels(map[string]string{"builder": builder}), at)
}

// DLQObserved records an event deposited on the dead-letter stream.
func (a *Accounting) DLQObserved(ctx context.Context, eventID string, stage types.Stage, at time.Time) {
	a.inc(ctx, eventID, CounterDLQTotal, storage.Labels(map[string]string{"stage": string(stage)}), at)
}

// ChainReport is the result of one sliding-window custody check.
type ChainReport struct {
	Window      time.Duration
	Ingress     float64
	Persisted   float64
	DLQFastPath float64
	Broken      bool
}

// Check evaluates the chain invariant over the sliding hour ending at
// now: persisted must cover ingress minus fast-path dead-letters.
func (a *Accounting) Check(ctx context.Context, now time.Time) (ChainReport, error) {
	buckets := storage.MinuteBuckets(now, 60)
	report := ChainReport{Window: time.Hour}

	var err error
	if report.Ingress, err = a.store.SumCounterBuckets(ctx, storage.ScopeGlobal, CounterIngressEnqueued, "", buckets); err != nil {
		return report, fmt.Errorf("failed to sum ingress counter: %w", err)
	}
	if report.Persisted, err = a.store.SumCounterBuckets(ctx, storage.ScopeGlobal, CounterRawPersisted, "", buckets); err != nil {
		return report, fmt.Errorf("failed to sum persisted counter: %w", err)
	}
	fpLabels := storage.Labels(map[string]string{"stage": string(types.StageFastPath)})
	if report.DLQFastPath, err = a.store.SumCounterBuckets(ctx, storage.ScopeGlobal, CounterDLQTotal, fpLabels, buckets); err != nil {
		return report, fmt.Errorf("failed to sum dlq counter: %w", err)
	}

	report.Broken = report.Persisted < report.Ingress-report.DLQFastPath
	return report, nil
}

// Monitor runs Check every interval and reflects the result on the
// health surface until the context is cancelled.
func (a *Accounting) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.Check(ctx, time.Now())
			if err != nil {
				a.logger.Warn().Err(err).Msg("custody check failed")
				continue
			}
			if report.Broken {
				msg := fmt.Sprintf("chain break: persisted %.0f < ingress %.0f - dlq %.0f over %s",
					report.Persisted, report.Ingress, report.DLQFastPath, report.Window)
				a.logger.Warn().
					Float64("ingress", report.Ingress).
					Float64("persisted", report.Persisted).
					Float64("dlq_fast_path", report.DLQFastPath).
					Msg("chain of custody broken")
				metrics.SetComponent("chain_of_custody", true, true, msg)
			} else {
				metrics.SetComponent("chain_of_custody", true, false, "")
			}
		}
	}
}
