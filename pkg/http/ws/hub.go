package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub manages WebSocket connections and topic subscriptions (rounds, matches).
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]*Connection // user_id -> connection
	topics      map[string][]uuid.UUID    // topic -> []user_id
	logger      zerolog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[uuid.UUID]*Connection),
		topics:      make(map[string][]uuid.UUID),
		logger:      logger.With().Str("component", "ws_hub").Logger(),
	}
}

// RegisterConnection adds a connection for a user, replacing any older one.
func (h *Hub) RegisterConnection(userID uuid.UUID, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, exists := h.connections[userID]; exists && old != conn {
		old.Close()
	}
	h.connections[userID] = conn
	h.logger.Info().Str("user_id", userID.String()).Str("session_id", conn.SessionID()).Msg("connection registered")
}

// UnregisterConnection removes the user's connection if it is still conn.
func (h *Hub) UnregisterConnection(userID uuid.UUID, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.connections[userID]
	if !exists || (conn != nil && current != conn) {
		return
	}
	current.Close()
	delete(h.connections, userID)
	for topic, users := range h.topics {
		h.topics[topic] = without(users, userID)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	h.logger.Info().Str("user_id", userID.String()).Msg("connection unregistered")
}

func without(users []uuid.UUID, userID uuid.UUID) []uuid.UUID {
	for i, uid := range users {
		if uid == userID {
			return append(users[:i:i], users[i+1:]...)
		}
	}
	return users
}

// Subscribe associates a user with a topic for targeted broadcasts.
func (h *Hub) Subscribe(topic string, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, uid := range h.topics[topic] {
		if uid == userID {
			return
		}
	}
	h.topics[topic] = append(h.topics[topic], userID)
}

// Unsubscribe removes a user from a topic.
func (h *Hub) Unsubscribe(topic string, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.topics[topic] = without(h.topics[topic], userID)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

// Subscribers returns a copy of the topic's users.
func (h *Hub) Subscribers(topic string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]uuid.UUID(nil), h.topics[topic]...)
}

// Publish sends a message to all subscribers of a topic.
func (h *Hub) Publish(topic string, msg Message) error {
	var firstErr error
	for _, userID := range h.Subscribers(topic) {
		if err := h.SendToUser(userID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastAll sends a message to every connected user.
func (h *Hub) BroadcastAll(msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var firstErr error
	for userID, conn := range h.connections {
		if err := conn.Send(msg); err != nil && firstErr == nil {
			firstErr = err
			h.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("broadcast_all_send_failed")
		}
	}
	return firstErr
}

// SendToUser delivers a message to a specific user.
func (h *Hub) SendToUser(userID uuid.UUID, msg Message) error {
	conn, exists := h.GetConnection(userID)
	if !exists {
		return ErrConnectionNotFound
	}
	return conn.Send(msg)
}

// GetConnection retrieves a connection for a user.
func (h *Hub) GetConnection(userID uuid.UUID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, exists := h.connections[userID]
	return conn, exists
}

// Terminate notifies the user's live session and closes it. A session id that
// does not match the live connection is ignored; the user already reconnected.
func (h *Hub) Terminate(_ context.Context, userID uuid.UUID, sessionID, reason string) error {
	conn, exists := h.GetConnection(userID)
	if !exists {
		return nil
	}
	if sessionID != "" && conn.SessionID() != sessionID {
		return nil
	}
	raw, err := json.Marshal(SessionTerminatedPayload{SessionID: conn.SessionID(), Reason: reason})
	if err != nil {
		return err
	}
	_ = conn.Send(Message{Type: TypeSessionTerminated, Payload: raw})
	h.UnregisterConnection(userID, conn)
	h.logger.Warn().Str("user_id", userID.String()).Str("session_id", sessionID).Msg("session terminated")
	return nil
}

// Connection represents a WebSocket connection with send queue.
type Connection struct {
	conn      *websocket.Conn
	sessionID string
	sendCh    chan Message
	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	logger    zerolog.Logger
}

// NewConnection wraps a WebSocket connection.
func NewConnection(conn *websocket.Conn, sessionID string, logger zerolog.Logger) *Connection {
	return &Connection{
		conn:      conn,
		sessionID: sessionID,
		sendCh:    make(chan Message, 256),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (c *Connection) SessionID() string { return c.sessionID }

// Pending is the number of queued outbound messages.
func (c *Connection) Pending() int { return len(c.sendCh) }

// Send queues a message for delivery.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops accepting messages; WritePump drains what is queued, then closes the socket.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// Done is closed when the write side has shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// WritePump sends queued messages and keeps the connection alive with pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump receives messages and calls the handler until the socket closes.
func (c *Connection) ReadPump(handler func(Message) error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		if err := handler(msg); err != nil {
			c.logger.Warn().Err(err).Str("type", msg.Type).Msg("message handler error")
		}
	}
}

var (
	ErrConnectionNotFound = &Error{Code: "connection_not_found", Message: "User connection not found"}
	ErrConnectionClosed   = &Error{Code: "connection_closed", Message: "Connection is closed"}
	ErrSendQueueFull      = &Error{Code: "send_queue_full", Message: "Send queue is full"}
)

type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
