package streams

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Stream with consumer-group semantics. It backs
// unit tests of the fast path and worker pool; the delivery, ack, claim
// and trim behavior mirrors Redis Streams closely enough for the
// pipeline's contract tests.
type Memory struct {
	mu      sync.Mutex
	name    string
	maxLen  int64
	seq     int64
	entries []memEntry
	groups  map[string]*memGroup
	notify  chan struct{}
}

type memEntry struct {
	id     string
	seq    int64
	fields map[string]string
}

type memGroup struct {
	cursor  int64 // last delivered seq
	pending map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

// NewMemory creates an in-memory stream. maxLen of zero means unbounded.
func NewMemory(name string, maxLen int64) *Memory {
	return &Memory{
		name:   name,
		maxLen: maxLen,
		groups: make(map[string]*memGroup),
		notify: make(chan struct{}, 1),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Add(ctx context.Context, fields map[string]any) (string, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		flat[k] = fmt.Sprint(v)
	}
	m.entries = append(m.entries, memEntry{id: id, seq: m.seq, fields: flat})
	if m.maxLen > 0 && int64(len(m.entries)) > m.maxLen {
		m.entries = m.entries[int64(len(m.entries))-m.maxLen:]
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return id, nil
}

func (m *Memory) EnsureGroup(ctx context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[group]; !ok {
		m.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		msgs, err := m.tryRead(group, consumer, count)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.notify:
		case <-time.After(time.Until(deadline)):
		}
	}
}

func (m *Memory) tryRead(group, consumer string, count int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on %s", group, m.name)
	}
	var msgs []Message
	for _, e := range m.entries {
		if e.seq <= g.cursor {
			continue
		}
		g.cursor = e.seq
		g.pending[e.id] = &memPending{consumer: consumer, deliveredAt: time.Now(), deliveries: 1}
		msgs = append(msgs, Message{ID: e.id, Fields: e.fields, Deliveries: 1})
		if int64(len(msgs)) >= count {
			break
		}
	}
	return msgs, nil
}

func (m *Memory) Ack(ctx context.Context, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("no such group %s on %s", group, m.name)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %s on %s", group, m.name)
	}
	now := time.Now()
	var msgs []Message
	for _, e := range m.entries {
		p, pending := g.pending[e.id]
		if !pending || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		msgs = append(msgs, Message{ID: e.id, Fields: e.fields, Deliveries: p.deliveries})
		if int64(len(msgs)) >= count {
			break
		}
	}
	return msgs, nil
}

func (m *Memory) PendingDepth(ctx context.Context, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(g.pending)), nil
}

func (m *Memory) Len(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

// ExpirePending backdates every pending delivery by d. Test helper for
// exercising claim-based recovery without real waiting.
func (m *Memory) ExpirePending(group string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[group]; ok {
		for _, p := range g.pending {
			p.deliveredAt = p.deliveredAt.Add(-d)
		}
	}
}
