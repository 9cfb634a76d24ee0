// Package pipeline wires the processing components into one runnable
// unit: stores, streams, the fast-path consumer, the worker pool, the
// backpressure monitor and the custody accounting. The surrounding
// daemon owns process concerns (signals, metrics endpoint, config).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/builders"
	"github.com/sierra-labs/blueplane/pkg/config"
	"github.com/sierra-labs/blueplane/pkg/custody"
	"github.com/sierra-labs/blueplane/pkg/fastpath"
	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/storage"
	"github.com/sierra-labs/blueplane/pkg/streams"
	"github.com/sierra-labs/blueplane/pkg/workers"
)

// Streams bundles the three logical streams.
type Streams struct {
	Ingress streams.Stream
	CDC     streams.Stream
	DLQ     streams.Stream
}

// Stores bundles the durable stores.
type Stores struct {
	Raw           *storage.RawStore
	Conversations *storage.ConversationStore
	Metrics       *storage.MetricsStore
	Fallback      *storage.CDCFallback
}

// Close closes every store, returning the first error.
func (s Stores) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{s.Raw, s.Conversations, s.Metrics, s.Fallback} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenStores opens all stores under the configured data directory.
func OpenStores(dataDir string) (Stores, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return Stores{}, fmt.Errorf("failed to create data dir: %w", err)
	}
	raw, err := storage.OpenRawStore(filepath.Join(dataDir, "raw.db"))
	if err != nil {
		return Stores{}, err
	}
	conv, err := storage.OpenConversationStore(filepath.Join(dataDir, "conversations.db"))
	if err != nil {
		raw.Close()
		return Stores{}, err
	}
	ms, err := storage.OpenMetricsStore(filepath.Join(dataDir, "metrics.db"))
	if err != nil {
		raw.Close()
		conv.Close()
		return Stores{}, err
	}
	fallback, err := storage.OpenCDCFallback(filepath.Join(dataDir, "cdc_fallback.db"))
	if err != nil {
		raw.Close()
		conv.Close()
		ms.Close()
		return Stores{}, err
	}
	return Stores{Raw: raw, Conversations: conv, Metrics: ms, Fallback: fallback}, nil
}

// Pipeline is the assembled Layer 2 processing pipeline.
type Pipeline struct {
	cfg      *config.Config
	stores   Stores
	consumer *fastpath.Consumer
	pool     *workers.Pool
	monitor  *workers.Monitor
	acct     *custody.Accounting
	logger   zerolog.Logger
}

// New assembles a pipeline over the given streams and stores. The
// caller keeps ownership of both.
func New(cfg *config.Config, st Streams, stores Stores) *Pipeline {
	acct := custody.New(stores.Metrics)
	consumer := fastpath.New(st.Ingress, st.CDC, st.DLQ, stores.Raw, stores.Fallback, acct, cfg.FastPath)
	bs := []builders.Builder{
		builders.NewConversationBuilder(stores.Conversations),
		builders.NewMetricsAggregator(stores.Metrics),
	}
	pool := workers.NewPool(st.CDC, st.DLQ, stores.Raw, bs, acct, cfg.Workers)
	monitor := workers.NewMonitor(st.CDC, cfg.Workers.Group, consumer, cfg.Workers.MonitorInterval)
	return &Pipeline{
		cfg:      cfg,
		stores:   stores,
		consumer: consumer,
		pool:     pool,
		monitor:  monitor,
		acct:     acct,
		logger:   log.WithComponent("pipeline"),
	}
}

// Consumer exposes the fast-path observable counters.
func (p *Pipeline) Consumer() *fastpath.Consumer { return p.consumer }

// Custody exposes the chain-of-custody accounting surface.
func (p *Pipeline) Custody() *custody.Accounting { return p.acct }

// Run starts all tasks and blocks until the context is cancelled and
// every task has drained, bounded by the shutdown timeout. Exceeding
// the timeout is logged and accepted: pending-entry recovery picks up
// the remainder on restart.
func (p *Pipeline) Run(ctx context.Context) error {
	metrics.SetComponent("fast_path", true, false, "")
	metrics.SetComponent("worker_pool", true, false, "")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.consumer.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.SetComponent("fast_path", false, false, err.Error())
			errCh <- fmt.Errorf("fast path: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.pool.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.SetComponent("worker_pool", false, false, err.Error())
			errCh <- fmt.Errorf("worker pool: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.monitor.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.acct.Monitor(runCtx, time.Minute)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		// Fatal component error: stop the rest and drain.
		cancel()
	case <-ctx.Done():
	}

	select {
	case <-done:
		p.logger.Info().Msg("pipeline drained")
	case <-time.After(p.cfg.Workers.ShutdownTimeout):
		p.logger.Warn().
			Dur("timeout", p.cfg.Workers.ShutdownTimeout).
			Msg("shutdown timeout exceeded, exiting anyway")
	}
	return runErr
}
