package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wh15p3r/signaling/internal/accesscode"
	"github.com/wh15p3r/signaling/internal/kv"
	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopPeer struct{}

func (nopPeer) Send([]byte) error { return nil }

func TestSweepSessionsOnce(t *testing.T) {
	clock := newFakeClock()
	reg := registry.New(clock)
	m := metrics.New()

	j := New(Config{
		Registry:           reg,
		Metrics:            m,
		Clock:              clock,
		SessionIdleTimeout: 10 * time.Minute,
	})

	reg.Attach("STALE", registry.RoleInitiator, nopPeer{})
	clock.Advance(11 * time.Minute)
	reg.Attach("FRESH", registry.RoleInitiator, nopPeer{})

	if removed := j.SweepSessionsOnce(); removed != 1 {
		t.Fatalf("removed %d sessions, want 1", removed)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len after sweep: %d", reg.Len())
	}
	if got := m.Get(metrics.EventSessionsSwept); got != 1 {
		t.Fatalf("sessions_swept counter: %d", got)
	}

	// Nothing left to evict.
	if removed := j.SweepSessionsOnce(); removed != 0 {
		t.Fatalf("second sweep removed %d", removed)
	}
}

func TestSweepCodesOnce(t *testing.T) {
	clock := newFakeClock()
	codes := accesscode.NewStore(kv.NewMemoryStore(), clock)
	m := metrics.New()
	ctx := context.Background()

	j := New(Config{
		Codes:          codes,
		Metrics:        m,
		Clock:          clock,
		BackendTimeout: time.Second,
	})

	if _, err := codes.Add(ctx, "FOREVER", 5, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := codes.Add(ctx, "EXPIRES1", 5, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	clock.Advance(2 * time.Hour)

	removed, err := j.SweepCodesOnce(ctx)
	if err != nil {
		t.Fatalf("SweepCodesOnce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d codes, want 1", removed)
	}
	if got := m.Get(metrics.EventCodesSwept); got != 1 {
		t.Fatalf("codes_swept counter: %d", got)
	}
	if exists, _ := codes.Exists(ctx, "FOREVER"); !exists {
		t.Fatalf("non-expiring code swept")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clock := newFakeClock()
	j := New(Config{
		Registry:             registry.New(clock),
		Codes:                accesscode.NewStore(kv.NewMemoryStore(), clock),
		Clock:                clock,
		SessionSweepInterval: time.Millisecond,
		SessionIdleTimeout:   time.Minute,
		CodeSweepInterval:    time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
