package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// Config wires the runtime dependencies and hardening knobs for the
// WebSocket signaling endpoint.
type Config struct {
	Coordinator *Coordinator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// MaxMessageBytes caps inbound message size; oversized messages kill the
	// connection at the websocket layer.
	MaxMessageBytes int64

	// MessagesPerSecond is the per-connection inbound message budget.
	MessagesPerSecond int

	// IdleTimeout closes connections that stop responding to pings;
	// PingInterval must be shorter than IdleTimeout.
	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// WebSocketServer upgrades HTTP requests and pumps inbound messages into the
// Coordinator, one goroutine per connection.
type WebSocketServer struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg Config) *WebSocketServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &WebSocketServer{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Browser origin policy is handled by the HTTP layer's CORS
			// middleware; the signaling protocol itself is origin-agnostic.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsc := &wsConn{
		id:   uuid.NewString(),
		conn: conn,
	}
	s.serve(wsc)
}

func (s *WebSocketServer) serve(wsc *wsConn) {
	state := &ConnState{}
	done := make(chan struct{})

	defer func() {
		close(done)
		s.cfg.Coordinator.HandleClose(wsc, state)
		_ = wsc.conn.Close()
		s.log.Debug("signaling connection closed", "conn_id", wsc.id)
	}()

	s.log.Debug("signaling connection opened", "conn_id", wsc.id, "remote_addr", wsc.conn.RemoteAddr().String())

	if s.cfg.MaxMessageBytes > 0 {
		wsc.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	if s.cfg.IdleTimeout > 0 {
		_ = wsc.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		wsc.conn.SetPongHandler(func(string) error {
			return wsc.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		})
	}
	if s.cfg.PingInterval > 0 {
		go s.pingLoop(wsc, done)
	}

	var limiter *ratelimit.TokenBucket
	if s.cfg.MessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(nil, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))
	}

	for {
		msgType, data, err := wsc.conn.ReadMessage()
		if err != nil {
			return
		}

		// Checked after the read so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can surface to the client
		// as an abortive RST instead of a clean close frame.
		if limiter != nil && !limiter.Allow() {
			s.metrics.Inc(metrics.EventRateLimited)
			wsc.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			// The protocol is JSON text; anything else is dropped like any
			// other malformed payload.
			s.metrics.Inc(metrics.EventBadMessage)
			continue
		}

		s.cfg.Coordinator.HandleMessage(wsc, state, data)

		if s.cfg.IdleTimeout > 0 {
			_ = wsc.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
	}
}

func (s *WebSocketServer) pingLoop(wsc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wsc.ping(); err != nil {
				return
			}
		}
	}
}

// wsConn is the connection handle stored in registry slots. Writes are
// serialized by a mutex because relays originate from other connections'
// read loops.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
