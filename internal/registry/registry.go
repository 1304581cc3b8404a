// Package registry owns the two-peer session table for WebRTC signaling.
//
// Sessions are keyed by a caller-chosen opaque code and hold at most two
// connection handles: the initiator and the joiner. The registry is purely
// in-memory; a session with both slots empty never persists.
package registry

import (
	"sync"
	"time"
)

// Role names the slot a connection occupies within a session.
type Role int

const (
	RoleInitiator Role = iota
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleJoiner:
		return "joiner"
	default:
		return "unknown"
	}
}

// Peer is the connection handle held in a session slot. The registry never
// calls Send itself; it only stores and compares handles. Handles must be
// comparable (the signaling server uses connection pointers).
type Peer interface {
	Send(payload []byte) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type session struct {
	initiator    Peer
	joiner       Peer
	lastActivity time.Time
}

// Registry is the shared session table. All operations on a given session
// code are serialized by the registry mutex, which also covers the
// attach-then-ready check so two near-simultaneous joins cannot both miss
// the ready condition or double-fire it.
type Registry struct {
	clock Clock

	mu       sync.Mutex
	sessions map[string]*session
}

func New(clock Clock) *Registry {
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		clock:    clock,
		sessions: make(map[string]*session),
	}
}

// Attach assigns p to the named slot of the session for code, creating the
// session if needed. A prior occupant of the same slot is overwritten
// (last-attach-wins). The returned peers and ready flag describe the session
// state immediately after the attach: ready is true when both slots are now
// occupied, with initiator/joiner reported in that order so callers can
// notify deterministically.
func (r *Registry) Attach(code string, role Role, p Peer) (initiator, joiner Peer, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[code]
	if !ok {
		sess = &session{}
		r.sessions[code] = sess
	}
	sess.lastActivity = r.clock.Now()

	if role == RoleInitiator {
		sess.initiator = p
	} else {
		sess.joiner = p
	}

	return sess.initiator, sess.joiner, sess.initiator != nil && sess.joiner != nil
}

// Detach clears whichever slot currently holds p. When both slots become
// empty the session is deleted. Unknown codes and handles are a no-op, so a
// second detach after close is harmless.
func (r *Registry) Detach(code string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[code]
	if !ok {
		return
	}

	if sess.initiator == p {
		sess.initiator = nil
	} else if sess.joiner == p {
		sess.joiner = nil
	}

	if sess.initiator == nil && sess.joiner == nil {
		delete(r.sessions, code)
	}
}

// PeerOf returns the occupant of the slot opposite to p, or nil when the
// session does not exist, p is not attached to it, or the other slot is
// empty. A successful lookup refreshes the session's activity timestamp.
func (r *Registry) PeerOf(code string, p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[code]
	if !ok {
		return nil
	}
	sess.lastActivity = r.clock.Now()

	switch {
	case sess.initiator == p:
		return sess.joiner
	case sess.joiner == p:
		return sess.initiator
	default:
		return nil
	}
}

// Sweep deletes every session idle longer than idleThreshold as of now and
// returns the number removed.
func (r *Registry) Sweep(idleThreshold time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for code, sess := range r.sessions {
		if now.Sub(sess.lastActivity) > idleThreshold {
			delete(r.sessions, code)
			removed++
		}
	}
	return removed
}

// Len reports the number of live sessions (for /health and diagnostics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
