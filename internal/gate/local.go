package gate

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

// slot is one sender's lock. refs counts the holder plus waiters; the slot
// is removed from the table when it drops to zero.
type slot struct {
	ch   chan struct{}
	refs int
}

// LocalGate is an in-process gate backed by a table of per-sender slots.
// It serializes senders within one process only.
type LocalGate struct {
	mu      sync.Mutex
	slots   map[string]*slot
	maxWait time.Duration
	metrics *metrics.Metrics
}

// NewLocalGate creates an in-process gate. maxWait <= 0 waits until ctx is done.
func NewLocalGate(maxWait time.Duration, m *metrics.Metrics) *LocalGate {
	return &LocalGate{
		slots:   make(map[string]*slot),
		maxWait: maxWait,
		metrics: m,
	}
}

// Acquire waits for senderID's slot, bounded by the earlier of ctx's
// deadline and the gate's max wait.
func (g *LocalGate) Acquire(ctx context.Context, senderID string) (Token, error) {
	if err := ctx.Err(); err != nil {
		g.metrics.IncrementGateTimeout()
		return nil, contentionError(ctx, senderID, err)
	}

	start := time.Now()
	s := g.ref(senderID)

	// Fast path: uncontended.
	select {
	case s.ch <- struct{}{}:
		g.metrics.ObserveGateWait(time.Since(start))
		return &localToken{gate: g, key: senderID, slot: s}, nil
	default:
	}

	waitCtx := ctx
	if g.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
		g.metrics.ObserveGateWait(time.Since(start))
		return &localToken{gate: g, key: senderID, slot: s}, nil
	case <-waitCtx.Done():
		g.unref(senderID, s)
		g.metrics.IncrementGateTimeout()
		return nil, contentionError(ctx, senderID, waitCtx.Err())
	}
}

// Close is a no-op for the local gate.
func (g *LocalGate) Close() error {
	return nil
}

// Len returns the number of live slots.
func (g *LocalGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *LocalGate) ref(key string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *LocalGate) unref(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}

type localToken struct {
	gate *LocalGate
	key  string
	slot *slot
	once sync.Once
}

// Hold always succeeds; a local slot cannot expire.
func (t *localToken) Hold(context.Context) error { return nil }

// Release frees the slot for the next waiter.
func (t *localToken) Release(context.Context) error {
	t.once.Do(func() {
		<-t.slot.ch
		t.gate.unref(t.key, t.slot)
	})
	return nil
}
