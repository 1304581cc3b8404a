// Package kv abstracts the key-value backend used for access codes and
// rate-limit counters.
//
// Two implementations are provided: an in-process MemoryStore (the default)
// and a RedisStore for deployments that need persistence across restarts.
// Sessions intentionally do not live here; they are ephemeral and owned by
// the in-memory registry.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist (or has
	// expired).
	ErrNotFound = errors.New("kv: key not found")

	// ErrConflict is returned by Update when the backend could not complete
	// the read-modify-write atomically after retrying.
	ErrConflict = errors.New("kv: concurrent update conflict")
)

// Op selects what Update does with the entry after the caller's function ran.
type Op int

const (
	// OpNone leaves the entry untouched.
	OpNone Op = iota
	// OpSet writes Mutation.Value (with Mutation.TTL, 0 = no expiry).
	OpSet
	// OpDelete removes the entry.
	OpDelete
)

// Mutation describes the write half of an atomic read-modify-write.
type Mutation struct {
	Op    Op
	Value []byte
	TTL   time.Duration
}

// UpdateFunc inspects the current value (exists=false means the key is
// absent) and returns the mutation to apply. Returning an error aborts the
// update without writing.
type UpdateFunc func(current []byte, exists bool) (Mutation, error)

// Store is the minimal key-value contract the access-code store and the
// rate limiter need.
//
// Update must be atomic with respect to concurrent Updates of the same key:
// the backend either serializes them or detects the conflict and retries.
// This is what makes single-use access codes safe against double-spend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// List returns all live entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Update runs fn against the current value of key and applies the
	// returned mutation atomically.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	Close() error
}
