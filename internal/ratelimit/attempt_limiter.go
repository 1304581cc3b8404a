package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wh15p3r/signaling/internal/kv"
)

const counterKeyPrefix = "ratelimit:"

// counterRecord is the persisted per-identity attempt counter.
type counterRecord struct {
	Count        int       `json:"count"`
	FirstAttempt time.Time `json:"firstAttempt"`
}

// Decision is the result of a rate check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetIn is how long until the current window expires. Zero when no
	// window is active for the identity.
	ResetIn time.Duration
}

// AttemptLimiter counts failed access-code validation attempts per client
// identity within a fixed window, persisting counters in the key-value
// backend so limits survive restarts (and are shared when Redis is used).
//
// Check never mutates state; Increment is called only on non-success
// validation outcomes, so legitimate reuse of a multi-use code is never
// penalized.
type AttemptLimiter struct {
	store       kv.Store
	clock       Clock
	maxAttempts int
	window      time.Duration
}

func NewAttemptLimiter(store kv.Store, clock Clock, maxAttempts int, window time.Duration) *AttemptLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &AttemptLimiter{
		store:       store,
		clock:       clock,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Check reports whether identity is still under the attempt ceiling.
func (l *AttemptLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	full := Decision{Allowed: true, Remaining: l.maxAttempts}

	raw, err := l.store.Get(ctx, counterKey(identity))
	if errors.Is(err, kv.ErrNotFound) {
		return full, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: read counter: %w", err)
	}

	var rec counterRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: decode counter: %w", err)
	}

	now := l.clock.Now()
	elapsed := now.Sub(rec.FirstAttempt)
	if elapsed >= l.window {
		// Window expired; report the full allowance without mutating state.
		return full, nil
	}

	remaining := l.maxAttempts - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   rec.Count < l.maxAttempts,
		Remaining: remaining,
		ResetIn:   l.window - elapsed,
	}, nil
}

// Increment records one failed attempt for identity, starting a fresh window
// if the previous one has elapsed.
func (l *AttemptLimiter) Increment(ctx context.Context, identity string) error {
	now := l.clock.Now()

	err := l.store.Update(ctx, counterKey(identity), func(current []byte, exists bool) (kv.Mutation, error) {
		rec := counterRecord{Count: 1, FirstAttempt: now}
		if exists {
			var prev counterRecord
			if err := json.Unmarshal(current, &prev); err == nil && now.Sub(prev.FirstAttempt) < l.window {
				rec = prev
				rec.Count++
			}
		}

		value, err := json.Marshal(rec)
		if err != nil {
			return kv.Mutation{}, err
		}
		// TTL of 2x the window bounds storage growth while guaranteeing the
		// record outlives any window it describes.
		return kv.Mutation{Op: kv.OpSet, Value: value, TTL: 2 * l.window}, nil
	})
	if err != nil {
		return fmt.Errorf("ratelimit: increment counter: %w", err)
	}
	return nil
}

func counterKey(identity string) string {
	return counterKeyPrefix + identity
}
