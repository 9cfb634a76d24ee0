package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/builders"
	"github.com/sierra-labs/blueplane/pkg/config"
	"github.com/sierra-labs/blueplane/pkg/custody"
	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/streams"
	"github.com/sierra-labs/blueplane/pkg/types"
)

// PayloadResolver resolves by-reference CDC payloads; the raw store
// implements it.
type PayloadResolver interface {
	ReadEvent(ctx context.Context, ref *types.PayloadRef) (*types.Event, error)
}

// Pool is the fixed-size worker pool consuming the cdc stream.
type Pool struct {
	cdc      streams.Stream
	dlq      streams.Stream
	resolver PayloadResolver
	builders []builders.Builder
	custody  *custody.Accounting
	cfg      config.Workers
	logger   zerolog.Logger
}

// NewPool creates a worker pool dispatching to the given builders in
// order.
func NewPool(
	cdc, dlq streams.Stream,
	resolver PayloadResolver,
	bs []builders.Builder,
	acct *custody.Accounting,
	cfg config.Workers,
) *Pool {
	return &Pool{
		cdc:      cdc,
		dlq:      dlq,
		resolver: resolver,
		builders: bs,
		custody:  acct,
		cfg:      cfg,
		logger:   log.WithComponent("worker-pool"),
	}
}

// Run starts the workers and blocks until all have exited after context
// cancellation.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.cdc.EnsureGroup(ctx, p.cfg.Group); err != nil {
		return err
	}
	p.logger.Info().
		Int("workers", p.cfg.Count).
		Str("group", p.cfg.Group).
		Msg("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		name := fmt.Sprintf("worker-%d", i)
		go func(name string, claims bool) {
			defer wg.Done()
			p.worker(ctx, name, claims)
		}(name, i == 0)
	}
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return ctx.Err()
}

// worker reads one record at a time. The first worker additionally runs
// the pending-entry claim loop for the group.
func (p *Pool) worker(ctx context.Context, name string, claims bool) {
	logger := p.logger.With().Str("worker", name).Logger()
	nextClaim := time.Now().Add(p.cfg.ClaimInterval)
	for {
		if ctx.Err() != nil {
			return
		}
		if claims && time.Now().After(nextClaim) {
			p.claimStuck(ctx, name, logger)
			nextClaim = time.Now().Add(p.cfg.ClaimInterval)
		}
		msgs, err := p.cdc.ReadGroup(ctx, p.cfg.Group, name, 1, p.cfg.PollBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Warn().Err(err).Msg("cdc read failed")
			continue
		}
		for _, m := range msgs {
			p.process(ctx, m, logger)
		}
	}
}

// claimStuck recovers records left pending by dead workers.
func (p *Pool) claimStuck(ctx context.Context, name string, logger zerolog.Logger) {
	claimed, err := p.cdc.Claim(ctx, p.cfg.Group, name, p.cfg.StuckAfter, int64(p.cfg.Count))
	if err != nil {
		logger.Warn().Err(err).Msg("cdc claim failed")
		return
	}
	if len(claimed) > 0 {
		logger.Info().Int("records", len(claimed)).Msg("claimed stuck cdc records")
	}
	for _, m := range claimed {
		p.process(ctx, m, logger)
	}
}

// process dispatches one CDC record through all builders, applying the
// retry policy, and acknowledges on completion. Workers finish the
// record in flight on cancellation; a fresh context covers the final
// builder attempts and the ack. Backoff waits are the exception: they
// watch the parent context so a retrying builder cannot hold up
// shutdown.
func (p *Pool) process(ctx context.Context, m streams.Message, logger zerolog.Logger) {
	// The record in flight must complete even if ctx was just
	// cancelled; pending-entry recovery covers a hard kill.
	workCtx := context.WithoutCancel(ctx)
	stop := ctx.Done()

	rec, err := types.CDCFromFields(m.ID, m.Fields)
	if err != nil {
		p.deadLetter(workCtx, m, rec, p.stageFor(0), "cdc_decode", err)
		return
	}

	if rec.Ref != nil {
		res, interrupted := p.resolvePayload(workCtx, stop, rec)
		if interrupted {
			return // left pending for recovery
		}
		if res.Class != builders.ClassOK {
			p.deadLetter(workCtx, m, rec, p.stageFor(0), res.Kind, res.Err)
			return
		}
	}

	for _, b := range p.builders {
		if !p.dispatch(workCtx, stop, m, rec, b, logger) {
			return // dead-lettered (already acknowledged) or interrupted
		}
	}
	if err := p.cdc.Ack(workCtx, p.cfg.Group, m.ID); err != nil {
		logger.Warn().Err(err).Str("record", m.ID).Msg("cdc ack failed")
	}
}

// dispatch runs one builder with the transient retry policy. Returns
// false when the record was dead-lettered or shutdown interrupted a
// backoff wait.
func (p *Pool) dispatch(ctx context.Context, stop <-chan struct{}, m streams.Message, rec *types.CDCRecord, b builders.Builder, logger zerolog.Logger) bool {
	for attempt := 1; ; attempt++ {
		res := b.Apply(ctx, rec)
		switch Decide(res, attempt, p.cfg.MaxRetries) {
		case DecisionProceed:
			metrics.RecordsProcessed.WithLabelValues(b.Name(), "ok").Inc()
			p.custody.DerivedApplied(ctx, rec.EventID, b.Name(), rec.EnqueuedAt)
			return true
		case DecisionRetry:
			metrics.BuilderRetries.WithLabelValues(b.Name()).Inc()
			logger.Debug().
				Str("builder", b.Name()).
				Str("event_id", rec.EventID).
				Int("attempt", attempt).
				Err(res.Err).
				Msg("transient builder failure, backing off")
			select {
			case <-stop:
				// Shutdown during backoff: leave the record pending
				// for recovery.
				return false
			case <-time.After(Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, attempt)):
			}
		case DecisionDeadLetter:
			metrics.RecordsProcessed.WithLabelValues(b.Name(), res.Class.String()).Inc()
			p.deadLetter(ctx, m, rec, types.Stage(b.Name()), res.Kind, res.Err)
			return false
		}
	}
}

// resolvePayload inlines a by-reference payload from the raw store.
// Missing batches are transient across restart races; the bounded
// retries here cover them before giving up as referential damage. The
// interrupted return means shutdown fired during a backoff wait and
// the record should stay pending.
func (p *Pool) resolvePayload(ctx context.Context, stop <-chan struct{}, rec *types.CDCRecord) (builders.Result, bool) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		event, err := p.resolver.ReadEvent(ctx, rec.Ref)
		if err == nil {
			rec.Payload = event.Payload
			rec.Ref = nil
			return builders.OK(), false
		}
		lastErr = err
		select {
		case <-stop:
			return builders.Result{}, true
		case <-time.After(Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, attempt)):
		}
	}
	return builders.Permanent("referential", fmt.Errorf("payload ref (%d,%d) unresolvable: %w", rec.Ref.BatchID, rec.Ref.Index, lastErr)), false
}

// deadLetter ships the record to the DLQ and acknowledges it so the
// group makes progress.
func (p *Pool) deadLetter(ctx context.Context, m streams.Message, rec *types.CDCRecord, stage types.Stage, kind string, cause error) {
	dlqRec := &types.DLQRecord{
		Stage:     stage,
		ErrorKind: kind,
		FailedAt:  time.Now().UTC(),
	}
	if cause != nil {
		dlqRec.Error = cause.Error()
	}
	if rec != nil {
		dlqRec.EventID = rec.EventID
		dlqRec.Platform = rec.Platform
		dlqRec.ExternalSessionID = rec.ExternalSessionID
		dlqRec.EventType = rec.EventType
		if payload, err := json.Marshal(rec.Payload); err == nil {
			dlqRec.Payload = payload
		}
	} else {
		raw, _ := json.Marshal(m.Fields)
		dlqRec.EventID = m.Fields[types.FieldEventID]
		dlqRec.Payload = raw
	}
	if err := streams.AppendDLQ(ctx, p.dlq, dlqRec); err != nil {
		// Leave the record pending rather than lose it.
		p.logger.Error().Err(err).Str("record", m.ID).Msg("dlq append failed")
		return
	}
	metrics.DLQTotal.WithLabelValues(string(stage)).Inc()
	if dlqRec.EventID != "" {
		// Bucket by enqueue time so the dead-letter lands in the same
		// custody window as its ingress count.
		at := dlqRec.FailedAt
		if rec != nil && !rec.EnqueuedAt.IsZero() {
			at = rec.EnqueuedAt
		}
		p.custody.DLQObserved(ctx, dlqRec.EventID, stage, at)
	}
	if err := p.cdc.Ack(ctx, p.cfg.Group, m.ID); err != nil {
		p.logger.Warn().Err(err).Str("record", m.ID).Msg("cdc ack failed after dead-letter")
	}
	p.logger.Warn().
		Str("record", m.ID).
		Str("event_id", dlqRec.EventID).
		Str("stage", string(stage)).
		Str("kind", kind).
		Err(cause).
		Msg("cdc record dead-lettered")
}

// stageFor attributes pre-dispatch failures to the first builder in
// dispatch order.
func (p *Pool) stageFor(i int) types.Stage {
	if i < len(p.builders) {
		return types.Stage(p.builders[i].Name())
	}
	return types.StageFastPath
}
