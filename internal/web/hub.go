package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"social-duel/server/internal/engine"
	"social-duel/server/internal/models"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	sendBuffer   = 32
)

// Client is one websocket watching a session
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *SessionHub
	mu        sync.Mutex
	closed    bool
}

type stateEvent struct {
	sessionID string
	state     models.GameState
}

// SessionHub fans session state changes out to the websockets watching
// each session
type SessionHub struct {
	clients    map[string]*Client
	watched    map[string]func()
	register   chan *Client
	unregister chan *Client
	broadcast  chan stateEvent
	logger     *slog.Logger
	mu         sync.RWMutex
}

func NewSessionHub(logger *slog.Logger) *SessionHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHub{
		clients:    make(map[string]*Client),
		watched:    make(map[string]func()),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan stateEvent, 1000),
		logger:     logger.With("component", "hub"),
	}
}

// Run is the hub's event loop; it returns when ctx is done
func (h *SessionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastState(event)
		}
	}
}

// Watch subscribes the hub to an orchestrator once
func (h *SessionHub) Watch(o *engine.Orchestrator) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.watched[o.ID()]; ok {
		return
	}
	id := o.ID()
	h.watched[id] = o.Subscribe(func(s models.GameState) {
		h.Broadcast(id, s)
	})
}

// Forget drops the subscription to a session
func (h *SessionHub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if unsubscribe, ok := h.watched[sessionID]; ok {
		unsubscribe()
		delete(h.watched, sessionID)
	}
}

// Sweep closes sessions that have been idle longer than idle and that no
// client is watching, then drops the hub's subscriptions to them
func (h *SessionHub) Sweep(sessions *engine.SessionManager, now time.Time, idle time.Duration) []string {
	closed := sessions.Sweep(now, idle, func(sessionID string) bool {
		return h.ClientCount(sessionID) > 0
	})
	for _, id := range closed {
		h.Forget(id)
	}
	return closed
}

// Watching reports whether the hub is subscribed to a session
func (h *SessionHub) Watching(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.watched[sessionID]
	return ok
}

// Broadcast queues a state for every client of the session
func (h *SessionHub) Broadcast(sessionID string, state models.GameState) {
	select {
	case h.broadcast <- stateEvent{sessionID: sessionID, state: state}:
	default:
		h.logger.Warn("broadcast channel full, dropping state", "session", sessionID)
	}
}

// ClientCount returns the number of clients watching a session
func (h *SessionHub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.clients {
		if c.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (h *SessionHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	h.logger.Info("client connected", "client", client.ID, "session", client.SessionID, "total", len(h.clients))

	go client.writePump()
}

func (h *SessionHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		h.logger.Info("client disconnected", "client", client.ID, "session", client.SessionID, "total", len(h.clients))
	}
}

func (h *SessionHub) broadcastState(event stateEvent) {
	data, err := encodeState(event.sessionID, event.state)
	if err != nil {
		h.logger.Error("failed to marshal state", "session", event.sessionID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.SessionID != event.sessionID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("client send buffer full", "client", client.ID)
		}
	}
}

func (h *SessionHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
	for id, unsubscribe := range h.watched {
		unsubscribe()
		delete(h.watched, id)
	}
}

func encodeState(sessionID string, state models.GameState) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":    "state",
		"session": sessionID,
		"data":    state,
		"time":    time.Now().Unix(),
	})
}

// writePump pumps queued states to the websocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.logger.Debug("write failed", "client", c.ID, "error", err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump only drains control frames; the stream is server to client
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("unexpected close", "client", c.ID, "error", err)
			}
			return
		}
	}
}
