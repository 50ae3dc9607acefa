// internal/telemetry/server.go
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Acks are tiny; anything bigger is a misbehaving peer.
	maxMessageSize = 4096
)

// ackMessage is what observers send after processing an event.
type ackMessage struct {
	Ack uint64 `json:"ack"`
}

// ServerOptions configures the telemetry HTTP surface.
type ServerOptions struct {
	// PingPeriod is how often the server pings each connection. The peer
	// must answer within 10/9 of it.
	PingPeriod time.Duration
	Metrics    *observability.Metrics
}

// Server exposes session event streams over websocket, plus /metrics and
// /healthz, on one chi router.
type Server struct {
	pub        *Publisher
	logger     *zap.Logger
	pingPeriod time.Duration
	pongWait   time.Duration
	upgrader   websocket.Upgrader
	router     chi.Router

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds the router.
func NewServer(pub *Publisher, opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 20 * time.Second
	}
	s := &Server{
		pub:        pub,
		logger:     logger.Named("telemetry_server"),
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PingPeriod * 10 / 9,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	r.Get("/sessions", s.handleSessions)
	r.Get("/sessions/{id}/events", s.handleEvents)
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Shutdown ends every open stream and waits for the connection goroutines,
// or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pub.Sessions()); err != nil {
		s.logger.Warn("Failed to write session list.", zap.Error(err))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	buf, ok := s.pub.Lookup(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	c := &connection{
		server: s,
		conn:   conn,
		buf:    buf,
		logger: s.logger.With(zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr)),
		done:   make(chan struct{}),
	}
	c.logger.Debug("Observer connected.", zap.Uint64("since", since))
	go c.readPump()
	c.writePump(since)
}

// connection is one observer. writePump runs on the handler goroutine and
// is the only writer; readPump only processes acks and pongs.
type connection struct {
	server *Server
	conn   *websocket.Conn
	buf    *Buffer
	logger *zap.Logger
	done   chan struct{}
}

func (c *connection) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Websocket observer read error", zap.Error(err))
			}
			return
		}
		var ack ackMessage
		if err := json.Unmarshal(message, &ack); err != nil {
			c.logger.Debug("Ignoring malformed observer message.", zap.ByteString("message", message))
			continue
		}
		c.buf.Ack(ack.Ack)
	}
}

func (c *connection) writePump(cursor uint64) {
	ticker := time.NewTicker(c.server.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		<-c.done
	}()

	for {
		updated := c.buf.Updated()
		for _, ev := range c.buf.Since(cursor) {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("Observer write failed.", zap.Error(err))
				return
			}
			cursor = ev.Sequence
		}
		if c.buf.Closed() && cursor >= c.buf.Last() {
			c.close(websocket.CloseNormalClosure, "session finished")
			return
		}

		select {
		case <-updated:
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		case <-c.server.quit:
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// close sends a close frame and waits briefly for the peer to answer so
// the reader sees a clean close.
func (c *connection) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		return
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}
