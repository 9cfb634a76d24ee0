package fastpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/config"
	"github.com/sierra-labs/blueplane/pkg/custody"
	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/streams"
	"github.com/sierra-labs/blueplane/pkg/types"
)

// Shed levels fed back from the worker pool's backpressure monitor.
const (
	ShedNormal = 0
	ShedWarn   = 1
	ShedReduce = 2
	ShedPause  = 3
)

// Counters is a snapshot of the consumer's observable counters.
type Counters struct {
	EventsRead       int64
	BatchesCommitted int64
	BatchesFailed    int64
	CDCPublished     int64
	AckFailed        int64
	DLQTotal         int64
}

// Consumer is the fast-path ingress consumer and batch writer. One
// logical task per instance; multiple instances may share the consumer
// group.
type Consumer struct {
	ingress  streams.Stream
	cdc      streams.Stream
	dlq      streams.Stream
	raw      *storage.RawStore
	fallback *storage.CDCFallback
	custody  *custody.Accounting
	cfg      config.FastPath
	logger   zerolog.Logger

	shedLevel atomic.Int32

	// In-memory failure budget per stream entry, for poison detection
	// across commit attempts within this process. Claimed entries also
	// carry their group-wide delivery count.
	failMu   sync.Mutex
	failures map[string]int

	eventsRead       atomic.Int64
	batchesCommitted atomic.Int64
	batchesFailed    atomic.Int64
	cdcPublished     atomic.Int64
	ackFailed        atomic.Int64
	dlqTotal         atomic.Int64
}

// New creates a fast-path consumer.
func New(
	ingress, cdc, dlq streams.Stream,
	raw *storage.RawStore,
	fallback *storage.CDCFallback,
	acct *custody.Accounting,
	cfg config.FastPath,
) *Consumer {
	return &Consumer{
		ingress:  ingress,
		cdc:      cdc,
		dlq:      dlq,
		raw:      raw,
		fallback: fallback,
		custody:  acct,
		cfg:      cfg,
		logger:   log.WithComponent("fast-path"),
		failures: make(map[string]int),
	}
}

// SetShedLevel feeds the backpressure tier back into the consumer.
func (c *Consumer) SetShedLevel(level int) {
	c.shedLevel.Store(int32(level))
}

// Counters returns a snapshot of the observable counters.
func (c *Consumer) Counters() Counters {
	return Counters{
		EventsRead:       c.eventsRead.Load(),
		BatchesCommitted: c.batchesCommitted.Load(),
		BatchesFailed:    c.batchesFailed.Load(),
		CDCPublished:     c.cdcPublished.Load(),
		AckFailed:        c.ackFailed.Load(),
		DLQTotal:         c.dlqTotal.Load(),
	}
}

// Run drives the consumer until the context is cancelled or an
// invariant violation forces a fast failure.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ingress.EnsureGroup(ctx, c.cfg.Group); err != nil {
		return err
	}
	c.logger.Info().
		Str("group", c.cfg.Group).
		Str("consumer", c.cfg.Consumer).
		Int("batch_max", c.cfg.BatchMax).
		Dur("batch_window", c.cfg.BatchWindow).
		Msg("fast-path consumer starting")

	// Recover entries stranded by a previous instance before reading
	// fresh ones.
	if err := c.recoverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("startup pending-entry recovery failed")
	}

	claimTicker := time.NewTicker(c.cfg.ClaimInterval)
	defer claimTicker.Stop()
	sweepTicker := time.NewTicker(c.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("fast-path consumer stopping")
			return ctx.Err()
		case <-claimTicker.C:
			if err := c.recoverPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn().Err(err).Msg("pending-entry recovery failed")
			}
			continue
		case <-sweepTicker.C:
			c.sweepFallback(ctx)
			continue
		default:
		}

		msgs, err := c.gather(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Warn().Err(err).Msg("ingress read failed")
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if err := c.commit(ctx, msgs); err != nil {
			var inv *storage.ErrInvariant
			if errors.As(err, &inv) {
				metrics.InvariantViolations.Inc()
				c.logger.Error().Err(err).Msg("invariant violation, failing fast")
				return err
			}
		}
		if int(c.shedLevel.Load()) >= ShedPause {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.Pause):
			}
		}
	}
}

// gather reads up to the effective batch size, holding the batch open
// until the size cap or the batch window closes.
func (c *Consumer) gather(ctx context.Context) ([]streams.Message, error) {
	bMax, window := c.effectiveBatch()
	msgs, err := c.ingress.ReadGroup(ctx, c.cfg.Group, c.cfg.Consumer, int64(bMax), c.cfg.PollBlock)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	deadline := time.Now().Add(window)
	for len(msgs) < bMax {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		block := c.cfg.PollBlock
		if remaining < block {
			block = remaining
		}
		more, err := c.ingress.ReadGroup(ctx, c.cfg.Group, c.cfg.Consumer, int64(bMax-len(msgs)), block)
		if err != nil {
			break
		}
		msgs = append(msgs, more...)
	}
	return msgs, nil
}

func (c *Consumer) effectiveBatch() (int, time.Duration) {
	bMax, window := c.cfg.BatchMax, c.cfg.BatchWindow
	if int(c.shedLevel.Load()) >= ShedReduce {
		bMax = bMax / 2
		if bMax < 1 {
			bMax = 1
		}
		window = 2 * window
	}
	return bMax, window
}

// commit runs the three-step commit protocol over one batch of ingress
// entries.
func (c *Consumer) commit(ctx context.Context, msgs []streams.Message) error {
	c.eventsRead.Add(int64(len(msgs)))
	metrics.EventsRead.Add(float64(len(msgs)))

	// Parse and validate; poison entries leave the batch here.
	var (
		events []*types.Event
		ids    []string
	)
	for _, m := range msgs {
		event, err := types.EventFromFields(m.Fields)
		if err == nil {
			// Count at ingress as soon as the entry is attributable, so
			// dead-lettered events still balance the custody arithmetic.
			c.custody.IngressObserved(ctx, event.EventID, event.EnqueuedAt)
			err = event.Validate()
		}
		if err != nil {
			c.handlePoison(ctx, m, err)
			continue
		}
		events = append(events, event)
		ids = append(ids, m.ID)
	}
	if len(events) == 0 {
		return nil
	}

	// Step 1: persist. Failure leaves entries pending for re-delivery.
	batchID, err := c.raw.Append(ctx, events)
	if err != nil {
		c.batchesFailed.Add(1)
		metrics.BatchesFailed.Inc()
		c.logger.Warn().Err(err).Int("events", len(events)).Msg("batch persist failed")
		return err
	}
	c.batchesCommitted.Add(1)
	metrics.BatchesCommitted.Inc()
	for _, e := range events {
		c.custody.RawPersisted(ctx, e.EventID, e.EnqueuedAt)
	}

	// Step 2: publish CDC, fire-and-forget with a bounded timeout.
	// Failures land in the fallback log and never block the ack.
	c.publishCDC(ctx, batchID, events)

	// Step 3: acknowledge. On failure the entries are re-delivered and
	// the idempotent builders absorb the recomputation.
	if err := c.ingress.Ack(ctx, c.cfg.Group, ids...); err != nil {
		c.ackFailed.Add(1)
		metrics.AckFailed.Inc()
		c.logger.Warn().Err(err).Int64("batch_id", batchID).Msg("ingress ack failed")
	}
	c.forgetFailures(ids)
	return nil
}

// publishCDC appends one CDC record per committed event. Records that
// cannot be appended within the timeout are stored on the fallback log
// for the sweeper.
func (c *Consumer) publishCDC(ctx context.Context, batchID int64, events []*types.Event) {
	var unpublished []*types.CDCRecord
	for i, e := range events {
		rec := c.cdcRecord(batchID, i, e)
		pubCtx, cancel := context.WithTimeout(ctx, c.cfg.CDCTimeout)
		_, err := c.cdc.Add(pubCtx, rec.Fields())
		cancel()
		if err != nil {
			unpublished = append(unpublished, rec)
			continue
		}
		c.cdcPublished.Add(1)
		metrics.CDCPublished.Inc()
		c.custody.CDCPublished(ctx, e.EventID, e.EnqueuedAt)
	}
	if len(unpublished) == 0 {
		return
	}
	metrics.CDCFallback.Add(float64(len(unpublished)))
	c.logger.Warn().
		Int64("batch_id", batchID).
		Int("records", len(unpublished)).
		Msg("cdc publish failed, recording to fallback log")
	if err := c.fallback.Put(batchID, unpublished); err != nil {
		// Both the stream and the local log failed; the CDC projection
		// for this batch is recoverable only by replay from raw.
		c.logger.Error().Err(err).Int64("batch_id", batchID).Msg("cdc fallback write failed")
	}
}

// cdcRecord builds the CDC record for one committed event, inlining the
// payload when it fits under the configured threshold.
func (c *Consumer) cdcRecord(batchID int64, index int, e *types.Event) *types.CDCRecord {
	rec := &types.CDCRecord{
		EventID:           e.EventID,
		EnqueuedAt:        e.EnqueuedAt,
		Platform:          e.Platform,
		ExternalSessionID: e.ExternalSessionID,
		EventType:         e.EventType,
		BatchID:           batchID,
	}
	inline := true
	if c.cfg.InlinePayloadMax > 0 && len(e.Payload) > 0 {
		if raw, err := json.Marshal(e.Payload); err != nil || len(raw) > c.cfg.InlinePayloadMax {
			inline = false
		}
	}
	if inline {
		rec.Payload = e.Payload
	} else {
		rec.Ref = &types.PayloadRef{BatchID: batchID, Index: index}
	}
	return rec
}

// handlePoison applies the per-entry retry budget: entries failing
// parse or validation more than MaxRetries times are dead-lettered and
// acknowledged so the group makes progress. This is the only path that
// acknowledges an ingress entry without persisting it.
func (c *Consumer) handlePoison(ctx context.Context, m streams.Message, cause error) {
	attempts := c.recordFailure(m.ID)
	if m.Deliveries > int64(attempts) {
		attempts = int(m.Deliveries)
	}
	if attempts <= c.cfg.MaxRetries {
		c.logger.Debug().
			Str("entry", m.ID).
			Int("attempts", attempts).
			Err(cause).
			Msg("entry failed validation, leaving pending")
		return
	}

	eventID := m.Fields[types.FieldEventID]
	payload, _ := json.Marshal(m.Fields)
	rec := &types.DLQRecord{
		EventID:           eventID,
		Platform:          m.Fields[types.FieldPlatform],
		ExternalSessionID: m.Fields[types.FieldExternalSessionID],
		EventType:         types.EventType(m.Fields[types.FieldEventType]),
		Payload:           payload,
		Stage:             types.StageFastPath,
		ErrorKind:         "schema",
		Error:             cause.Error(),
		FailedAt:          time.Now().UTC(),
	}
	if err := streams.AppendDLQ(ctx, c.dlq, rec); err != nil {
		// Keep the entry pending rather than lose it.
		c.logger.Error().Err(err).Str("entry", m.ID).Msg("dlq append failed")
		return
	}
	c.dlqTotal.Add(1)
	metrics.DLQTotal.WithLabelValues(string(types.StageFastPath)).Inc()
	if eventID != "" {
		// Bucket by enqueue time when the field parses, so the
		// dead-letter lands in the same custody window as its ingress
		// count.
		at := rec.FailedAt
		if parsed, perr := time.Parse(time.RFC3339Nano, m.Fields[types.FieldEnqueuedAt]); perr == nil {
			at = parsed
		}
		c.custody.DLQObserved(ctx, eventID, types.StageFastPath, at)
	}
	if err := c.ingress.Ack(ctx, c.cfg.Group, m.ID); err != nil {
		c.logger.Warn().Err(err).Str("entry", m.ID).Msg("poison ack failed")
	}
	c.forgetFailures([]string{m.ID})
	c.logger.Warn().
		Str("entry", m.ID).
		Str("event_id", eventID).
		Err(cause).
		Msg("poison entry dead-lettered")
}

// recoverPending claims entries stuck with dead or slow consumers and
// pushes them through the normal commit protocol.
func (c *Consumer) recoverPending(ctx context.Context) error {
	for {
		claimed, err := c.ingress.Claim(ctx, c.cfg.Group, c.cfg.Consumer, c.cfg.StuckAfter, int64(c.cfg.BatchMax))
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		c.logger.Info().Int("entries", len(claimed)).Msg("claimed stuck pending entries")
		if err := c.commit(ctx, claimed); err != nil {
			return err
		}
		if len(claimed) < c.cfg.BatchMax {
			return nil
		}
	}
}

// sweepFallback republishes CDC records from the fallback log.
func (c *Consumer) sweepFallback(ctx context.Context) {
	err := c.fallback.Sweep(func(batchID int64, recs []*types.CDCRecord) error {
		for _, rec := range recs {
			pubCtx, cancel := context.WithTimeout(ctx, c.cfg.CDCTimeout)
			_, err := c.cdc.Add(pubCtx, rec.Fields())
			cancel()
			if err != nil {
				return fmt.Errorf("republish cdc for batch %d: %w", batchID, err)
			}
			c.cdcPublished.Add(1)
			metrics.CDCPublished.Inc()
			c.custody.CDCPublished(ctx, rec.EventID, rec.EnqueuedAt)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("cdc fallback sweep incomplete")
	}
}

func (c *Consumer) recordFailure(id string) int {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.failures[id]++
	return c.failures[id]
}

func (c *Consumer) forgetFailures(ids []string) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	for _, id := range ids {
		delete(c.failures, id)
	}
}
