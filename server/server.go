// Package server exposes the collaboration core over a persistent
// WebSocket connection. Each client authenticates once at handshake time,
// then multiplexes named messages over the socket: lock requests flow
// client to server with correlated responses, change notifications and
// lock updates flow server to client as pushes.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parishworks/collab/gate"
	"github.com/parishworks/collab/hub"
	"github.com/parishworks/collab/lock"
	"github.com/parishworks/collab/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	opTimeout  = 10 * time.Second

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// request is a client-to-server message. ID correlates the response;
// concurrent operations may complete out of order.
type request struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type response struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

type lockRequest struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

// Server handles WebSocket connections for the collaboration core.
type Server struct {
	hub      *hub.Hub
	locks    lock.Manager
	verifier *gate.Verifier
	logger   *log.Logger
}

// New returns a Server wiring the hub, lock manager, and gate together.
func New(h *hub.Hub, locks lock.Manager, verifier *gate.Verifier, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{hub: h, locks: locks, verifier: verifier, logger: logger}
}

// Handler returns the WebSocket endpoint handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// handleWS authenticates and upgrades one connection. The token travels in
// the "token" query parameter since this is a connection handshake, not a
// per-request header exchange. A failed gate check is answered before the
// upgrade and never produces a session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		metrics.AuthFailureCounter.Inc()
		http.Error(w, "Authentication error: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := hub.NewSession(identity)
	s.hub.Register(session)
	defer s.hub.Unregister(session.ID)
	defer conn.Close()

	go s.writePump(conn, session)
	s.readPump(r.Context(), conn, session)
}

// readPump handles inbound messages until the socket dies. Unregistering
// happens in the caller's defer, so cleanup runs on every exit path:
// explicit close, timeout, or error.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("connection %s read error: %v", session.ID, err)
			}
			return
		}
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.respond(session, response{Type: "error", Error: "malformed message"})
			continue
		}
		s.dispatch(ctx, session, req)
	}
}

func (s *Server) dispatch(ctx context.Context, session *hub.Session, req request) {
	switch req.Type {
	case "lock:acquire":
		s.handleAcquire(ctx, session, req)
	case "lock:release":
		s.handleRelease(ctx, session, req)
	case "lock:check":
		s.handleCheck(ctx, session, req)
	case "join_room":
		// Present but inert: broadcasts are global regardless of room.
	default:
		s.respond(session, response{Type: req.Type, ID: req.ID, Error: "unknown message type"})
	}
}

func (s *Server) handleAcquire(ctx context.Context, session *hub.Session, req request) {
	lr, ok := s.decodeLockRequest(session, req)
	if !ok {
		return
	}
	// Touching a resource's lock registers interest in its updates.
	session.Subscribe(lockTopic(lr))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.locks.Acquire(ctx, lr.ResourceType, lr.ResourceID, lock.Holder{
		UserID:   session.Identity.UserID,
		Username: session.Identity.Username,
	})
	if err != nil {
		s.logger.Printf("lock acquire %s:%s: %v", lr.ResourceType, lr.ResourceID, err)
		s.respond(session, response{Type: req.Type, ID: req.ID,
			Data: lock.Result{Success: false}, Error: err.Error()})
		return
	}
	if res.Success {
		metrics.LockAcquireCounter.Inc()
	} else {
		metrics.LockContentionCounter.Inc()
	}
	s.respond(session, response{Type: req.Type, ID: req.ID, Data: res})
}

func (s *Server) handleRelease(ctx context.Context, session *hub.Session, req request) {
	lr, ok := s.decodeLockRequest(session, req)
	if !ok {
		return
	}
	session.Subscribe(lockTopic(lr))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.locks.Release(ctx, lr.ResourceType, lr.ResourceID); err != nil {
		s.logger.Printf("lock release %s:%s: %v", lr.ResourceType, lr.ResourceID, err)
		s.respond(session, response{Type: req.Type, ID: req.ID,
			Data: map[string]bool{"success": false}, Error: err.Error()})
		return
	}
	metrics.LockReleaseCounter.Inc()
	s.respond(session, response{Type: req.Type, ID: req.ID, Data: map[string]bool{"success": true}})
}

func (s *Server) handleCheck(ctx context.Context, session *hub.Session, req request) {
	lr, ok := s.decodeLockRequest(session, req)
	if !ok {
		return
	}
	session.Subscribe(lockTopic(lr))

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	st, err := s.locks.Check(ctx, lr.ResourceType, lr.ResourceID)
	if err != nil {
		s.logger.Printf("lock check %s:%s: %v", lr.ResourceType, lr.ResourceID, err)
		s.respond(session, response{Type: req.Type, ID: req.ID, Error: err.Error()})
		return
	}
	// st is nil for a free resource; the response data is then null.
	s.respond(session, response{Type: req.Type, ID: req.ID, Data: st})
}

func (s *Server) decodeLockRequest(session *hub.Session, req request) (lockRequest, bool) {
	var lr lockRequest
	if err := json.Unmarshal(req.Data, &lr); err != nil || lr.ResourceType == "" || lr.ResourceID == "" {
		s.respond(session, response{Type: req.Type, ID: req.ID, Error: "invalid lock request"})
		return lockRequest{}, false
	}
	return lr, true
}

func (s *Server) respond(session *hub.Session, resp response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	session.Push(frame)
}

func lockTopic(lr lockRequest) string {
	return "lock:update:" + lr.ResourceType + ":" + lr.ResourceID
}

// writePump owns all writes on the socket, serializing pushes, responses,
// and keepalive pings. It exits when the session's send queue closes on
// unregister or when a write fails.
func (s *Server) writePump(conn *websocket.Conn, session *hub.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case frame, ok := <-session.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
