package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/ratelimit"
	"github.com/huddlekit/huddle/internal/signal"
)

const (
	wsWriteWait = 1 * time.Second

	// outboundQueueSize bounds per-connection fan-out buffering. Send drops
	// (and logs) when a client stops draining; the registry must never block
	// on a slow connection.
	outboundQueueSize = 64
)

// WSConfig wires the WebSocket signaling surface.
type WSConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

// WSServer upgrades client connections and pumps envelopes between them and
// the registry. Each connection gets a relay-assigned participant id at
// upgrade time; that id is the connection's identity for its whole lifetime.
type WSServer struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics

	maxMessageBytes   int64
	messagesPerSecond int
	idleTimeout       time.Duration
	pingInterval      time.Duration

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewWSServer(cfg WSConfig) *WSServer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		registry:          cfg.Registry,
		log:               log,
		metrics:           cfg.Metrics,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,
		upgrader: websocket.Upgrader{
			// Origin checks belong to the outer httpserver middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

// RegisterRoutes mounts the signaling endpoint. The upgrader itself accepts
// every origin, so wrap must carry the origin allowlist check; it is required,
// not optional.
func (s *WSServer) RegisterRoutes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /signal", wrap(s.ServeHTTP))
}

func (s *WSServer) maxBytes() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *WSServer) perSecond() int {
	if s.messagesPerSecond <= 0 {
		return 50
	}
	return s.messagesPerSecond
}

func (s *WSServer) idle() time.Duration {
	if s.idleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.idleTimeout
}

func (s *WSServer) ping() time.Duration {
	if s.pingInterval <= 0 {
		return 20 * time.Second
	}
	return s.pingInterval
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		out:  make(chan signal.Envelope, outboundQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.perSecond()),
			int64(s.perSecond()),
		),
	}

	s.mu.Lock()
	if s.conns == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	c.readLoop()
}

func (s *WSServer) untrack(c *wsConn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

// Close tears down every live connection. Used on shutdown.
func (s *WSServer) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

type wsConn struct {
	id      string
	srv     *WSServer
	conn    *websocket.Conn
	limiter *ratelimit.TokenBucket

	out  chan signal.Envelope
	done chan struct{}

	closeOnce sync.Once
}

// Send queues an envelope for delivery. Never blocks; a full queue means the
// client has stopped draining and the envelope is dropped.
func (c *wsConn) Send(env signal.Envelope) {
	select {
	case c.out <- env:
	case <-c.done:
	default:
		c.srv.log.Warn("outbound queue full, dropping envelope", "participant", c.id, "kind", env.Kind)
	}
}

func (c *wsConn) readLoop() {
	defer func() {
		c.srv.registry.Leave(c.id)
		c.srv.untrack(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.srv.maxBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idle()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idle()))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idle()))

		// Rate limit after reading so bytes already buffered by the OS are
		// consumed; closing with unread data can turn into an RST that hides
		// the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.RateLimitedDrops)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := signal.ParseEnvelope(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.InvalidEnvelopes)
			c.sendError("bad_message", err.Error())
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}

		c.dispatch(env)
	}
}

func (c *wsConn) dispatch(env signal.Envelope) {
	switch {
	case env.Kind == signal.KindJoin:
		// Join delivers existing-users, chat-history and pinned-messages to
		// this connection itself, under the registry lock.
		if _, err := c.srv.registry.Join(c.id, env.Room, env.DisplayName, c); err != nil {
			// Invalid parameters are user-visible and non-fatal for the
			// connection; nothing was mutated.
			c.sendError("invalid_parameters", "room and display name must be non-empty")
		}

	case env.Kind == signal.KindLeave:
		c.srv.registry.Leave(c.id)

	case env.Directed():
		c.srv.registry.Relay(c.id, env)

	case env.Kind == signal.KindChatMessage, env.Kind == signal.KindChatEdit,
		env.Kind == signal.KindChatDelete, env.Kind == signal.KindChatReact,
		env.Kind == signal.KindChatPin, env.Kind == signal.KindToggleVideo,
		env.Kind == signal.KindToggleAudio:
		c.srv.registry.Broadcast(c.id, env)

	default:
		// Relay-originated kinds arriving from a client.
		c.srv.metrics.Inc(metrics.InvalidEnvelopes)
		c.srv.log.Warn("client sent relay-originated kind", "participant", c.id, "kind", env.Kind)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.ping())
	defer ticker.Stop()

	for {
		select {
		case env := <-c.out:
			data, err := env.Encode()
			if err != nil {
				c.srv.log.Error("encode envelope", "err", err, "kind", env.Kind)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) sendError(code, message string) {
	c.Send(signal.Envelope{Kind: signal.KindError, Code: code, Message: message})
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
