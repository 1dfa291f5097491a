// Package wsserver implements the /ws streaming surface: one newline-
// delimited JSON frame per gorilla/websocket TextMessage, routed through the
// same inbound/outbound fault-injection chain and rate limiter the REST
// surface uses.
//
// Grounded on original_source's websocket_server.py connection handling loop
// and connection_manager.py's session lifecycle.
package wsserver

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rishav/exchange-sim/internal/faults"
	"github.com/rishav/exchange-sim/internal/handlers"
	"github.com/rishav/exchange-sim/internal/messages"
	"github.com/rishav/exchange-sim/internal/ratelimit"
	"github.com/rishav/exchange-sim/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connSender adapts a *websocket.Conn to session.Sender, serializing writes
// behind a mutex since gorilla forbids concurrent writers on one connection.
type connSender struct {
	conn *websocket.Conn
	mu   chan struct{} // 1-buffered semaphore
}

func newConnSender(conn *websocket.Conn) *connSender {
	s := &connSender{conn: conn, mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *connSender) Send(frame []byte) error {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *connSender) Close() error {
	return s.conn.Close()
}

// Server upgrades HTTP connections to WebSocket and runs the per-connection
// read loop.
type Server struct {
	Sessions  *session.Manager
	Router    *messages.Router
	Injector  *faults.Injector
	RateLimiter *ratelimit.Limiter
	Handlers  *handlers.Handlers

	log zerolog.Logger
}

// NewServer builds a WS server.
func NewServer(sessions *session.Manager, router *messages.Router, inj *faults.Injector, rl *ratelimit.Limiter, h *handlers.Handlers, log zerolog.Logger) *Server {
	return &Server{
		Sessions:    sessions,
		Router:      router,
		Injector:    inj,
		RateLimiter: rl,
		Handlers:    h,
		log:         log.With().Str("component", "wsserver").Logger(),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sender := newConnSender(conn)
	s.Sessions.Add(sessionID, sender)
	s.log.Info().Str("session_id", sessionID).Msg("session connected")

	defer func() {
		s.Sessions.Remove(sessionID)
		s.log.Info().Str("session_id", sessionID).Msg("session disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(sessionID, raw)
	}
}

func (s *Server) handleFrame(sessionID string, raw []byte) {
	ctx := context.Background()

	if s.RateLimiter != nil {
		decision := s.RateLimiter.Check(sessionID)
		if !decision.Allowed {
			env := messages.MustPayload(messages.TypeError, "", messages.ErrorPayload{
				Code:    "RATE_LIMITED",
				Message: decision.Reason,
			})
			s.sendEnvelope(sessionID, env)
			return
		}
	}

	frame := raw
	if s.Injector != nil {
		fctx := &faults.Context{SessionID: sessionID, Direction: "inbound"}
		next, err := s.Injector.InjectInbound(ctx, frame, fctx)
		if err != nil || next == nil {
			return // dropped, delayed-and-cancelled, or held (e.g. reordering)
		}
		frame = next
	}

	env, err := s.Router.Parse(frame)
	if err != nil {
		s.sendEnvelope(sessionID, messages.MustPayload(messages.TypeError, "", messages.ErrorPayload{
			Code:    messages.ErrInvalidMessage,
			Message: err.Error(),
		}))
		return
	}

	for _, reply := range s.Router.Route(sessionID, env) {
		s.sendEnvelope(sessionID, reply)
	}
}

func (s *Server) sendEnvelope(sessionID string, env messages.Envelope) {
	frame, err := s.Router.Serialize(env)
	if err != nil {
		return
	}

	if s.Injector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fctx := &faults.Context{SessionID: sessionID, Direction: "outbound"}
		next, err := s.Injector.InjectOutbound(ctx, frame, fctx)
		if err != nil || next == nil {
			return
		}
		frame = next
	}

	s.Sessions.SendTo(sessionID, frame)
}
