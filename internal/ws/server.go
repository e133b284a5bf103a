// Package ws provides the WebSocket endpoint clients stream chat turns over.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/hub"
	"chatrelay/internal/protocol"
	"chatrelay/internal/turn"
	"chatrelay/pkg/logger"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	turns    *turn.Service
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, turns *turn.Service) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		turns: turns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers connect from arbitrary origins; auth is the token.
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and runs the connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID := s.identify(c)

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.L.Error("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, userID)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.WebSocket.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	conn.SendJSON(protocol.ConnectedMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeConnected, Ts: time.Now().UnixMilli()},
		UserID:      userID,
	})
	return nil
}

// identify resolves the connecting user from the token query parameter.
// Tokens are "<user_id>.<secret>". Any failure falls back to the anonymous
// identity rather than refusing the connection; single-user deployments run
// without a configured token at all.
func (s *Server) identify(c echo.Context) string {
	token := c.QueryParam("token")
	if s.cfg.Auth.Token == "" {
		if token != "" {
			logger.L.Warn("token presented but no auth token configured, using anonymous identity")
		}
		return domain.AnonymousUserID
	}

	userID, secret, ok := strings.Cut(token, ".")
	if !ok || userID == "" || secret != s.cfg.Auth.Token {
		logger.L.Warn("token verification failed, using anonymous identity",
			"remote", c.RealIP())
		return domain.AnonymousUserID
	}
	return userID
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.WebSocket.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.WebSocket.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.L.Warn("websocket read error", "conn_id", conn.ID, "error", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.WebSocket.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case <-conn.Done():
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WebSocket.WriteTimeout))
			conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WebSocket.WriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.L.Warn("failed to write message", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WebSocket.WriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var raw protocol.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch raw.Type {
	case protocol.TypeChatStream:
		s.handleChatStream(conn, data)
	case protocol.TypeStop:
		s.handleStop(conn, data)
	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+raw.Type)
	}
}

// handleChatStream starts one chat turn. The turn runs in its own goroutine
// so the read loop keeps servicing stop messages while chunks stream.
func (s *Server) handleChatStream(conn *hub.Connection, data []byte) {
	var msg protocol.ChatStreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid chat_stream message")
		return
	}
	if msg.Data.SessionID == "" {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "sessionId is required")
		return
	}
	if msg.Data.AssistantMessageID == "" {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "assistantMessageId is required")
		return
	}

	req := msg.Data
	go func() {
		defer conn.ClearStopped(req.AssistantMessageID)

		emitter := &connEmitter{conn: conn}
		if err := s.turns.HandleTurn(context.Background(), conn.UserID, &req, emitter); err != nil {
			logger.L.Warn("turn failed", "conn_id", conn.ID, "session_id", req.SessionID, "error", err)
		}
	}()
}

// handleStop marks a turn stopped. Further chunk events for it are dropped;
// the backend call keeps running and the full response is still persisted.
func (s *Server) handleStop(conn *hub.Connection, data []byte) {
	var msg protocol.StopMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid stop message")
		return
	}
	if msg.Data.MessageID == "" {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "messageId is required")
		return
	}

	conn.MarkStopped(msg.Data.MessageID)
	logger.L.Info("stream stopped by client", "conn_id", conn.ID, "message_id", msg.Data.MessageID)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	conn.SendJSON(protocol.ErrorEvent{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeError, Ts: time.Now().UnixMilli()},
		Error:       message,
		Code:        code,
		Message:     message,
	})
}

// connEmitter delivers turn events to one connection, dropping chunk events
// for turns the client has stopped. Terminal events always go through so the
// client can settle its UI state.
type connEmitter struct {
	conn *hub.Connection
}

func (e *connEmitter) Emit(event interface{}) error {
	if chunk, ok := event.(*protocol.AssistantChunkEvent); ok && e.conn.IsStopped(chunk.MessageID) {
		return nil
	}
	return e.conn.SendJSON(event)
}
