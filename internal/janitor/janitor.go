// Package janitor runs the periodic sweeps that evict stale sessions and
// expired access codes.
package janitor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wh15p3r/signaling/internal/accesscode"
	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/registry"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	Registry *registry.Registry
	Codes    *accesscode.Store
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    Clock

	// SessionSweepInterval / SessionIdleTimeout drive registry eviction.
	SessionSweepInterval time.Duration
	SessionIdleTimeout   time.Duration

	// CodeSweepInterval drives expired-code eviction; each sweep call against
	// the backend is bounded by BackendTimeout.
	CodeSweepInterval time.Duration
	BackendTimeout    time.Duration
}

// Janitor owns two independent periodic sweeps. They run on separate tickers
// and each iteration is recover-guarded, so a failure in one sweep never
// stops the other.
type Janitor struct {
	cfg   Config
	log   *slog.Logger
	clock Clock
}

func New(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Janitor{cfg: cfg, log: logger, clock: clock}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if j.cfg.Registry != nil && j.cfg.SessionSweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.loop(ctx, j.cfg.SessionSweepInterval, j.sweepSessions)
		}()
	}

	if j.cfg.Codes != nil && j.cfg.CodeSweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.loop(ctx, j.cfg.CodeSweepInterval, j.sweepCodes)
		}()
	}

	wg.Wait()
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.guarded(ctx, sweep)
		}
	}
}

func (j *Janitor) guarded(ctx context.Context, sweep func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			j.log.Error("panic in janitor sweep", "recover", rec, "stack", string(debug.Stack()))
		}
	}()
	sweep(ctx)
}

// SweepSessionsOnce evicts idle sessions immediately (also used by tests).
func (j *Janitor) SweepSessionsOnce() int {
	removed := j.cfg.Registry.Sweep(j.cfg.SessionIdleTimeout, j.clock.Now())
	if removed > 0 {
		j.cfg.Metrics.Add(metrics.EventSessionsSwept, uint64(removed))
		j.log.Info("evicted idle sessions", "removed", removed)
	}
	return removed
}

// SweepCodesOnce evicts expired access codes immediately (also used by tests).
func (j *Janitor) SweepCodesOnce(ctx context.Context) (int, error) {
	if j.cfg.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.BackendTimeout)
		defer cancel()
	}

	removed, err := j.cfg.Codes.SweepExpired(ctx, j.clock.Now())
	if removed > 0 {
		j.cfg.Metrics.Add(metrics.EventCodesSwept, uint64(removed))
		j.log.Info("evicted expired access codes", "removed", removed)
	}
	return removed, err
}

func (j *Janitor) sweepSessions(context.Context) {
	j.SweepSessionsOnce()
}

func (j *Janitor) sweepCodes(ctx context.Context) {
	if _, err := j.SweepCodesOnce(ctx); err != nil {
		j.log.Warn("access code sweep failed", "err", err)
	}
}
