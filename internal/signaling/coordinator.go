package signaling

import (
	"log/slog"

	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/registry"
)

// ConnState is the per-connection protocol state: Connected until the first
// join, Joined(code, role) after it, Closed once the connection goes away.
//
// The transport delivers one message at a time per connection (the WebSocket
// read loop), so ConnState needs no locking.
type ConnState struct {
	joined bool
	code   string
	role   registry.Role
	closed bool
}

// Code returns the session code of the most recent join, if any.
func (s *ConnState) Code() (string, bool) {
	return s.code, s.joined
}

// Coordinator consumes decoded inbound messages and connection lifecycle
// events, drives the session registry, and decides what to relay where.
type Coordinator struct {
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewCoordinator(reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: reg,
		metrics:  m,
		log:      logger,
	}
}

// HandleMessage processes one raw inbound message from conn.
//
// Malformed payloads, unknown types and unroutable relays are dropped
// without any reply to the sender; errors here are counted, not surfaced.
func (c *Coordinator) HandleMessage(conn registry.Peer, state *ConnState, raw []byte) {
	if state.closed {
		return
	}

	env, err := parseEnvelope(raw)
	if err != nil {
		c.metrics.Inc(metrics.EventBadMessage)
		c.log.Debug("dropping malformed signaling message", "err", err)
		return
	}

	switch env.Type {
	case messageTypeJoin:
		c.handleJoin(conn, state, env)
	default:
		c.relay(conn, env, raw)
	}
}

func (c *Coordinator) handleJoin(conn registry.Peer, state *ConnState, env envelope) {
	role := registry.RoleJoiner
	if env.IsInitiator {
		role = registry.RoleInitiator
	}

	// Re-joining (same or different code) re-runs the attach; a prior slot
	// occupant is overwritten. Only the most recent code is detached on
	// close, mirroring the one-session-per-connection protocol.
	initiator, joiner, ready := c.registry.Attach(env.SessionCode, role, conn)

	state.joined = true
	state.code = env.SessionCode
	state.role = role

	c.metrics.Inc(metrics.EventJoin)
	c.log.Debug("peer joined session", "session_code", env.SessionCode, "role", role.String())

	if ready {
		// Initiator first, then joiner: the order is not part of the protocol
		// contract but must be deterministic.
		for _, peer := range []registry.Peer{initiator, joiner} {
			if err := peer.Send(readyPayload); err != nil {
				c.log.Debug("ready notification failed", "session_code", env.SessionCode, "err", err)
				continue
			}
			c.metrics.Inc(metrics.EventReadySent)
		}
	}
}

// relay forwards the original message bytes to the session's other occupant.
// The session code comes from the message itself, so a sender that is not
// attached to that session simply finds no peer and the message is dropped.
func (c *Coordinator) relay(conn registry.Peer, env envelope, raw []byte) {
	peer := c.registry.PeerOf(env.SessionCode, conn)
	if peer == nil {
		c.metrics.Inc(metrics.EventRelayDropped)
		return
	}

	if err := peer.Send(raw); err != nil {
		c.metrics.Inc(metrics.EventRelayDropped)
		c.log.Debug("relay send failed", "session_code", env.SessionCode, "type", string(env.Type), "err", err)
		return
	}
	c.metrics.Inc(metrics.EventRelayed)
}

// HandleClose detaches conn from its session (if joined) and marks the state
// terminal. Safe to call more than once.
func (c *Coordinator) HandleClose(conn registry.Peer, state *ConnState) {
	if state.closed {
		return
	}
	state.closed = true

	if state.joined {
		c.registry.Detach(state.code, conn)
		c.log.Debug("peer left session", "session_code", state.code, "role", state.role.String())
	}
}
