package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// CORS is enforced by the outer middleware.
		return true
	},
}

const (
	// pongWait is two hub heartbeats: a client that misses both is gone.
	pongWait   = 2 * hub.HeartbeatInterval
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second
)

// WSRequest is the client-to-server control message.
type WSRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// handleWebSocket upgrades the connection and bridges it to a hub session.
// The hub owns fan-out and slow-consumer policy; this side only pumps bytes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	session := hub.NewSession(uuid.NewString())
	h := s.engine.Hub()
	h.Register(session)
	s.engine.Metrics().HubSessions.Inc()

	go s.writePump(conn, session)
	go s.readPump(conn, session)
}

func (s *Server) readPump(conn *websocket.Conn, session *hub.Session) {
	h := s.engine.Hub()
	defer func() {
		h.Unregister(session)
		s.engine.Metrics().HubSessions.Dec()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("ws read error", zap.Error(err))
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.log.Debug("ws bad control message", zap.Error(err))
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				h.Subscribe(session, ch)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				h.Unsubscribe(session, ch)
			}
		default:
			s.log.Debug("ws unknown op", zap.String("op", req.Op))
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, session *hub.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload := <-session.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-session.Closed():
			if session.CloseReason() == hub.ReasonSlowConsumer {
				s.engine.Metrics().SlowConsumers.Inc()
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, session.CloseReason()),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
