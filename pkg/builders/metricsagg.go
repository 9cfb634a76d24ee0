package builders

import (
	"context"
	"fmt"

	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/types"
)

// Metric names maintained by the aggregator.
const (
	MetricEventsTotal       = "events_total"
	MetricAcceptedTotal     = "accepted_total"
	MetricSuggestionTotal   = "suggestion_total"
	MetricToolLatencyMS     = "tool_latency_ms"
	MetricTokensTotal       = "tokens_total"
	MetricSessionsActive    = "sessions_active"
	MetricLinesAddedTotal   = "lines_added_total"
	MetricLinesRemovedTotal = "lines_removed_total"
	MetricTokensReclaimed   = "tokens_reclaimed_total"
)

// MetricsAggregator folds CDC records into the metrics store. Every
// update is a conditional delta keyed by (event_id, metric_key), so the
// aggregator is idempotent under redelivery.
type MetricsAggregator struct {
	store *storage.MetricsStore
}

// NewMetricsAggregator creates the aggregator over its store.
func NewMetricsAggregator(store *storage.MetricsStore) *MetricsAggregator {
	return &MetricsAggregator{store: store}
}

// Name identifies the builder in DLQ records and custody counters.
func (a *MetricsAggregator) Name() string { return "metrics_aggregator" }

// Apply computes the delta set for the record and applies it.
func (a *MetricsAggregator) Apply(ctx context.Context, rec *types.CDCRecord) Result {
	if rec.EventID == "" {
		return Permanent("schema", fmt.Errorf("cdc record %s has no event id", rec.CDCID))
	}
	deltas := Deltas(rec)
	if err := a.store.Apply(ctx, rec.EventID, deltas); err != nil {
		return Transient(err)
	}
	return OK()
}

// Deltas is the pure mapping from one CDC record to its metric updates.
func Deltas(rec *types.CDCRecord) []storage.Delta {
	minute := storage.MinuteBucket(rec.EnqueuedAt)
	sessionLabels := storage.Labels(map[string]string{"session": rec.ExternalSessionID})

	deltas := []storage.Delta{{
		Key: storage.MetricKey{
			Scope: storage.ScopeGlobal,
			Name:  MetricEventsTotal,
			Labels: storage.Labels(map[string]string{
				"platform":   rec.Platform,
				"event_type": string(rec.EventType),
			}),
			Bucket: minute,
		},
		Op:    storage.OpInc,
		Value: 1,
	}}

	inc := func(scope storage.Scope, name, labels string, v float64) {
		deltas = append(deltas, storage.Delta{
			Key:   storage.MetricKey{Scope: scope, Name: name, Labels: labels},
			Op:    storage.OpInc,
			Value: v,
		})
	}

	switch rec.EventType {
	case types.EventSessionStart:
		deltas = append(deltas, storage.Delta{
			Key:   storage.MetricKey{Scope: storage.ScopeGlobal, Name: MetricSessionsActive},
			Op:    storage.OpGaugeAdd,
			Value: 1,
		})

	case types.EventSessionEnd:
		deltas = append(deltas, storage.Delta{
			Key:   storage.MetricKey{Scope: storage.ScopeGlobal, Name: MetricSessionsActive},
			Op:    storage.OpGaugeAdd,
			Value: -1,
		})

	case types.EventAssistantResponse:
		if tokens := rec.Payload.Float64("tokens_used"); tokens > 0 {
			inc(storage.ScopeSession, MetricTokensTotal, sessionLabels, tokens)
			inc(storage.ScopeGlobal, MetricTokensTotal, "", tokens)
		}

	case types.EventToolPost:
		if rec.Payload.Has("duration_ms") {
			deltas = append(deltas, storage.Delta{
				Key: storage.MetricKey{
					Scope:  storage.ScopeTool,
					Name:   MetricToolLatencyMS,
					Labels: storage.Labels(map[string]string{"tool_name": rec.Payload.String("tool_name")}),
				},
				Op:    storage.OpObserve,
				Value: rec.Payload.Float64("duration_ms"),
			})
		}

	case types.EventFileEdit:
		if added := rec.Payload.Float64("lines_added"); added > 0 {
			inc(storage.ScopeGlobal, MetricLinesAddedTotal, "", added)
			inc(storage.ScopeSession, MetricLinesAddedTotal, sessionLabels, added)
		}
		if removed := rec.Payload.Float64("lines_removed"); removed > 0 {
			inc(storage.ScopeGlobal, MetricLinesRemovedTotal, "", removed)
			inc(storage.ScopeSession, MetricLinesRemovedTotal, sessionLabels, removed)
		}
		switch rec.Payload.String("operation") {
		case "accepted":
			inc(storage.ScopeGlobal, MetricAcceptedTotal, "", 1)
			inc(storage.ScopeGlobal, MetricSuggestionTotal, "", 1)
			inc(storage.ScopeSession, MetricAcceptedTotal, sessionLabels, 1)
			inc(storage.ScopeSession, MetricSuggestionTotal, sessionLabels, 1)
		case "rejected":
			inc(storage.ScopeGlobal, MetricSuggestionTotal, "", 1)
			inc(storage.ScopeSession, MetricSuggestionTotal, sessionLabels, 1)
		}

	case types.EventContextCompact:
		before, after := rec.Payload.Float64("tokens_before"), rec.Payload.Float64("tokens_after")
		if before > after {
			inc(storage.ScopeGlobal, MetricTokensReclaimed, "", before-after)
		}
	}

	return deltas
}

// AcceptanceRate reads the accepted/suggestion ratio for a scope.
// Returns 0 with ok=false when no suggestions were recorded.
func (a *MetricsAggregator) AcceptanceRate(ctx context.Context, scope storage.Scope, labels string) (float64, bool, error) {
	suggestions, err := a.store.CounterValue(ctx, storage.MetricKey{Scope: scope, Name: MetricSuggestionTotal, Labels: labels})
	if err != nil {
		return 0, false, err
	}
	if suggestions == 0 {
		return 0, false, nil
	}
	accepted, err := a.store.CounterValue(ctx, storage.MetricKey{Scope: scope, Name: MetricAcceptedTotal, Labels: labels})
	if err != nil {
		return 0, false, err
	}
	return accepted / suggestions, true, nil
}
