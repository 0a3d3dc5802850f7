package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/metrics"
)

const (
	// DefaultHeartbeat is the ping cadence. A peer silent for two intervals
	// is terminated unclean.
	DefaultHeartbeat = 30 * time.Second

	// DefaultQueueSize bounds the outbound frame queue per session. A
	// session that cannot drain it is dropped rather than buffered without
	// limit.
	DefaultQueueSize = 64

	// writeWait bounds a single frame write on the socket.
	writeWait = 10 * time.Second

	// maxInboundBytes caps inbound control frames; viewers only send small
	// subscribe messages.
	maxInboundBytes = 8 << 10
)

// SessionConfig tunes session timing and buffering.
type SessionConfig struct {
	// Heartbeat is the ping interval. OPTIONAL (default DefaultHeartbeat).
	Heartbeat time.Duration

	// QueueSize is the outbound queue depth. OPTIONAL (default
	// DefaultQueueSize).
	QueueSize int

	// Logger for lifecycle events. OPTIONAL (default slog.Default()).
	Logger *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one connected viewer. All socket writes go through a single
// writer goroutine, so frames are delivered in the order they were pushed
// (per-session FIFO); reads happen on the caller's goroutine in Run.
type Session struct {
	id     string
	claims *auth.Claims
	conn   *websocket.Conn
	fanout *Fanout
	cfg    SessionConfig
	log    *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	unclean bool
}

// NewSession wraps an upgraded connection for the authenticated claims.
// Run must be called to start the pumps.
func NewSession(conn *websocket.Conn, claims *auth.Claims, fanout *Fanout, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:     id,
		claims: claims,
		conn:   conn,
		fanout: fanout,
		cfg:    cfg,
		log: cfg.Logger.With(
			slog.String("session", id),
			slog.String("tenant", claims.TenantID)),
		send: make(chan []byte, cfg.QueueSize),
		done: make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// TenantID returns the tenant the session authenticated as.
func (s *Session) TenantID() string { return s.claims.TenantID }

// Claims returns the session's identity.
func (s *Session) Claims() *auth.Claims { return s.claims }

// Run attaches the session to the fan-out and pumps the connection until
// the peer disconnects, the heartbeat lapses, or ctx is cancelled. It
// returns after the session has been detached from every index; callers
// can treat the return as the disconnect event.
func (s *Session) Run(ctx context.Context) error {
	if err := s.fanout.Attach(ctx, s); err != nil {
		s.conn.Close()
		return err
	}
	s.log.Info("Session connected")

	go s.writePump(ctx)
	s.readPump()

	// Bus unsubscription must happen even when ctx died with the request.
	detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	s.fanout.Detach(detachCtx, s)

	s.mu.Lock()
	unclean := s.unclean
	s.mu.Unlock()
	s.log.Info("Session disconnected", slog.Bool("unclean", unclean))
	return nil
}

// Push queues one frame for delivery. Returns false when the session's
// queue is full or the session is closing; the caller decides whether that
// drops the session.
func (s *Session) Push(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("Encode frame failed", slog.String("error", err.Error()))
		return true // not a backpressure signal
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Kill force-closes the session. Safe to call from any goroutine and more
// than once; the pumps observe the closed socket and unwind through the
// normal teardown path.
func (s *Session) Kill(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.unclean = true
		s.mu.Unlock()
		s.log.Warn("Session killed", slog.String("reason", reason))
		close(s.done)
		s.conn.Close()
	})
}

// shutdown closes the socket from the pump paths.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes inbound frames until the connection errors. The read
// deadline is two heartbeat intervals, extended on every pong, so a silent
// peer is terminated unclean after two misses.
func (s *Session) readPump() {
	defer s.shutdown()

	pongWait := 2 * s.cfg.Heartbeat
	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Teardown started on our side; the read error is fallout,
				// not a peer failure.
			default:
				// Timeouts, transport failures, and abnormal close codes
				// all count as unclean; only a proper goodbye does not.
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.mu.Lock()
					s.unclean = true
					s.mu.Unlock()
				}
			}
			return
		}
		s.handleClientMessage(data)
	}
}

// writePump owns every socket write: queued frames, heartbeat pings, and
// the close frame. One writer guarantees per-session FIFO delivery.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-s.done:
			return
		}
	}
}

// handleClientMessage applies one control frame against the hub and
// acknowledges it. Bad frames are answered with an error frame and the
// session stays open.
func (s *Session) handleClientMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.Push(ServerMessage{Type: ServerError, Error: "malformed message"})
		return
	}
	switch msg.Type {
	case ClientSubscribe:
		if msg.WidgetID == "" || len(msg.Tables) == 0 {
			s.Push(ServerMessage{Type: ServerError, WidgetID: msg.WidgetID,
				Error: "subscribe requires widget_id and tables"})
			return
		}
		if !s.fanout.hub.Subscribe(s, Subscription{
			WidgetID:    msg.WidgetID,
			Tables:      msg.Tables,
			Fingerprint: msg.Fingerprint,
		}) {
			s.Push(ServerMessage{Type: ServerError, WidgetID: msg.WidgetID,
				Error: "session is closing"})
			return
		}
		s.Push(ServerMessage{Type: ServerAck, WidgetID: msg.WidgetID})
	case ClientUnsubscribe:
		if msg.WidgetID == "" {
			s.Push(ServerMessage{Type: ServerError, Error: "unsubscribe requires widget_id"})
			return
		}
		s.fanout.hub.Unsubscribe(s, msg.WidgetID)
		s.Push(ServerMessage{Type: ServerAck, WidgetID: msg.WidgetID})
	default:
		s.Push(ServerMessage{Type: ServerError, Error: "unknown message type " + msg.Type})
	}
}

// dropForBackpressure kills a session that stopped draining its queue.
func (s *Session) dropForBackpressure() {
	metrics.DroppedSessions.Inc()
	s.Kill("send queue full")
}
