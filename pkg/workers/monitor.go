package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sierra-labs/blueplane/pkg/fastpath"
	"github.com/sierra-labs/blueplane/pkg/log"
	"github.com/sierra-labs/blueplane/pkg/metrics"
	"github.com/sierra-labs/blueplane/pkg/streams"
)

// Backpressure tiers over the cdc pending-entries depth. Entry is
// immediate; recovery is hysteretic: two consecutive probes below the
// tier's recovery threshold before stepping down.
var tiers = []struct {
	entry   int64
	recover int64
	level   int
}{
	{entry: 10000, recover: 5000, level: fastpath.ShedWarn},
	{entry: 50000, recover: 30000, level: fastpath.ShedReduce},
	{entry: 100000, recover: 60000, level: fastpath.ShedPause},
}

// ShedSink receives shed-level changes; the fast-path consumer
// implements it.
type ShedSink interface {
	SetShedLevel(level int)
}

// Monitor probes the cdc consumer group's pending depth and drives the
// shed level.
type Monitor struct {
	cdc      streams.Stream
	group    string
	sink     ShedSink
	interval time.Duration
	logger   zerolog.Logger

	level      int
	probesDown int
}

// NewMonitor creates a backpressure monitor.
func NewMonitor(cdc streams.Stream, group string, sink ShedSink, interval time.Duration) *Monitor {
	return &Monitor{
		cdc:      cdc,
		group:    group,
		sink:     sink,
		interval: interval,
		logger:   log.WithComponent("backpressure"),
	}
}

// Level returns the current shed level.
func (m *Monitor) Level() int { return m.level }

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := m.cdc.PendingDepth(ctx, m.group)
			if err != nil {
				m.logger.Warn().Err(err).Msg("pending depth probe failed")
				continue
			}
			m.Observe(depth)
		}
	}
}

// Observe feeds one depth probe through the tier state machine.
func (m *Monitor) Observe(depth int64) {
	metrics.CDCPendingDepth.Set(float64(depth))

	target := fastpath.ShedNormal
	for _, t := range tiers {
		if depth >= t.entry {
			target = t.level
		}
	}

	switch {
	case target > m.level:
		// Escalate immediately.
		m.setLevel(target, depth)
		m.probesDown = 0
	case target < m.level:
		// Step down only after two consecutive probes below the
		// current tier's recovery threshold.
		if depth < m.recoveryThreshold() {
			m.probesDown++
			if m.probesDown >= 2 {
				m.setLevel(target, depth)
				m.probesDown = 0
			}
		} else {
			m.probesDown = 0
		}
	default:
		m.probesDown = 0
	}

	if m.level == fastpath.ShedWarn {
		m.logger.Warn().Int64("depth", depth).Msg("cdc backlog elevated")
	}
}

func (m *Monitor) recoveryThreshold() int64 {
	for _, t := range tiers {
		if t.level == m.level {
			return t.recover
		}
	}
	return 0
}

func (m *Monitor) setLevel(level int, depth int64) {
	if level == m.level {
		return
	}
	m.logger.Info().
		Int("from", m.level).
		Int("to", level).
		Int64("depth", depth).
		Msg("backpressure level changed")
	m.level = level
	m.sink.SetShedLevel(level)
	metrics.ShedLevel.Set(float64(level))
}
