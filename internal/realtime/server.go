package realtime

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options tunes the websocket transport.
type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// MessageRate and MessageBurst bound inbound frames per connection.
	// Frames over the limit are dropped, the connection stays open.
	MessageRate  float64
	MessageBurst int
	// AllowedOrigins accepts exact origins, "*", or "*.example.com".
	// Empty means same host only.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:     256,
		PingInterval:   45 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		MessageRate:    10,
		MessageBurst:   20,
	}
}

// Handlers groups the three endpoint variants.
type Handlers struct {
	TicketChat    Handler
	GeneralChat   Handler
	Notifications Handler
}

// Server owns the upgrader and every live connection.
type Server struct {
	bus      fanout.Bus
	verifier TokenVerifier
	handlers Handlers
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
}

func NewServer(bus fanout.Bus, verifier TokenVerifier, handlers Handlers, opts Options, log *zap.Logger) *Server {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = def.MessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = def.MessageBurst
	}
	return &Server{
		bus:      bus,
		verifier: verifier,
		handlers: handlers,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		log:   log,
		conns: make(map[uuid.UUID]*Conn),
	}
}

// Register mounts the websocket routes on r.
//
//	/ws/chat/:ticket_id/   ticket chat
//	/ws/chat/              general chat
//	/ws/notifications/     notification feed
func (s *Server) Register(r gin.IRouter) {
	ws := r.Group("/ws", Authenticate(s.verifier, s.log))
	ws.GET("/chat/:ticket_id/", s.serve(s.handlers.TicketChat))
	ws.GET("/chat/", s.serve(s.handlers.GeneralChat))
	ws.GET("/notifications/", s.serve(s.handlers.Notifications))
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll tears down every open connection. Used on shutdown, since
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
}

func (s *Server) serve(h Handler) gin.HandlerFunc {
	variant := h.Variant()
	return func(c *gin.Context) {
		conn := newConn(IdentityFrom(c), variant, c.Params, s.bus, s.opts.SendBuffer, s.log)

		if err := h.Connect(conn.Context(), conn); err != nil {
			conn.Close()
			observ.HandshakeRejections.WithLabelValues(variant).Inc()
			switch {
			case errors.Is(err, ErrRejected):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "connection rejected"})
			case errors.Is(err, ErrBadRoute):
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			default:
				conn.Logger().Error("connect failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			conn.Logger().Debug("websocket upgrade failed", zap.Error(err))
			conn.Close()
			return
		}

		s.track(conn)
		observ.ActiveConnections.WithLabelValues(variant).Inc()
		conn.Logger().Info("websocket connected", zap.Int("topics", len(conn.Topics())))
		defer func() {
			s.untrack(conn)
			observ.ActiveConnections.WithLabelValues(variant).Dec()
			conn.Logger().Info("websocket disconnected")
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.writePump(ws, conn)
		}()

		h.Opened(conn.Context(), conn)
		s.readPump(ws, conn, h)
		conn.Close()
		<-done
	}
}

// readPump feeds inbound text frames to the handler until the client goes
// away or stops answering pings.
func (s *Server) readPump(ws *websocket.Conn, conn *Conn, h Handler) {
	ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	limiter := rate.NewLimiter(rate.Limit(s.opts.MessageRate), s.opts.MessageBurst)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.Logger().Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			observ.RateLimitedFrames.WithLabelValues(conn.Variant).Inc()
			conn.Logger().Debug("inbound frame over rate limit; dropped")
			continue
		}
		h.Receive(conn.Context(), conn, data)
		if conn.Closed() {
			return
		}
	}
}

// writePump is the only writer on ws. It drains the send queue, pings on
// a ticker, and closes the socket when the queue is closed or a write
// fails.
func (s *Server) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Logger().Debug("websocket write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if len(allowed) == 0 {
			return strings.EqualFold(u.Host, r.Host)
		}
		for _, a := range allowed {
			switch {
			case a == "*":
				return true
			case strings.EqualFold(a, origin):
				return true
			case strings.HasPrefix(a, "*."):
				if strings.HasSuffix(strings.ToLower(u.Hostname()), strings.ToLower(a[1:])) {
					return true
				}
			}
		}
		return false
	}
}
