package metrics

import "sync"

// Event names recorded by the signaling server.
const (
	EventJoin          = "join"
	EventReadySent     = "ready_sent"
	EventRelayed       = "relayed"
	EventRelayDropped  = "relay_dropped"
	EventBadMessage    = "bad_message"
	EventRateLimited   = "rate_limited"
	EventAuthFailure   = "auth_failure"
	EventCodeGranted   = "code_granted"
	EventCodeRejected  = "code_rejected"
	EventSessionsSwept = "sessions_swept"
	EventCodesSwept    = "codes_swept"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Keeping the registry in-process (instead of a full client library) keeps
// the relay and validation paths trivially testable while still allowing
// Prometheus scraping via the text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
