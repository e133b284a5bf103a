// Package hub tracks live WebSocket connections.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
)

// Connection is one client WebSocket. Outbound frames go through Send so a
// single writer goroutine owns the socket. Send is never closed: in-flight
// turn goroutines may still be emitting after teardown, and a send on a
// closed channel would take the process down. The write loop exits via done
// instead, and frames queued after that are dropped with the channel.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	hub  *Hub
	done chan struct{}

	// mu guards closed and stopped; both are written from the connection
	// lifecycle and read from every emitting goroutine.
	mu      sync.Mutex
	closed  bool
	stopped map[string]bool
}

// Hub manages the connection set.
type Hub struct {
	connections map[string]*Connection

	// users maps user_id to the set of connection IDs it holds open.
	users map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.users[conn.UserID] == nil {
				h.users[conn.UserID] = make(map[string]bool)
			}
			h.users[conn.UserID][conn.ID] = true
			h.mu.Unlock()
			metrics.Connections.Inc()
			logger.L.Info("connection registered", "conn_id", conn.ID, "user_id", conn.UserID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if h.users[conn.UserID] != nil {
					delete(h.users[conn.UserID], conn.ID)
					if len(h.users[conn.UserID]) == 0 {
						delete(h.users, conn.UserID)
					}
				}
				conn.mu.Lock()
				conn.closed = true
				conn.mu.Unlock()
				close(conn.done)
				metrics.Connections.Dec()
			}
			h.mu.Unlock()
			logger.L.Info("connection unregistered", "conn_id", conn.ID)
		}
	}
}

// NewConnection creates a connection for an upgraded socket. The caller
// registers it once the handshake event is out.
func (h *Hub) NewConnection(ws *websocket.Conn, userID string) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		UserID:  userID,
		Conn:    ws,
		Send:    make(chan []byte, 256),
		hub:     h,
		done:    make(chan struct{}),
		stopped: make(map[string]bool),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// SendJSON queues a JSON frame on the connection. After teardown it returns
// ErrConnectionClosed so late emitters fail soft instead of panicking.
func (c *Connection) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Done is closed when the hub unregisters the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// MarkStopped records a stop request for a turn's correlation id.
func (c *Connection) MarkStopped(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped[messageID] = true
}

// IsStopped reports whether the client asked to stop the given turn.
func (c *Connection) IsStopped(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[messageID]
}

// ClearStopped drops the stop mark once the turn has reached its terminal
// event.
func (c *Connection) ClearStopped(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stopped, messageID)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetUserCount returns the number of distinct connected users.
func (h *Hub) GetUserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrConnectionClosed is returned when sending on an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")
