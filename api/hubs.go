package api

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"formdesk-server/config"

	"github.com/gofiber/contrib/websocket"
)

var errClientGone = errors.New("widget client closed or too slow")

// WSWidgetClient is one browser tab hosting the widgets of a session.
type WSWidgetClient struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *WidgetHub
	mu     sync.Mutex
	closed bool
}

func NewWSWidgetClient(conn *websocket.Conn, hub *WidgetHub) *WSWidgetClient {
	c := &WSWidgetClient{
		conn: conn,
		send: make(chan []byte, config.WSSendBuffer),
		hub:  hub,
	}
	go c.writePump()
	return c
}

func (c *WSWidgetClient) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Error("client write error", "err", err)
			break
		}
	}
	c.conn.Close()
}

// Send queues msg without blocking.
func (c *WSWidgetClient) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errClientGone
	}
}

func (c *WSWidgetClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
	c.hub.RemoveClientConn(c)
}

// WidgetHub fans server frames out to every tab of one session. It is the
// widget.Transport of that session's bridge.
type WidgetHub struct {
	mu      sync.Mutex
	clients map[*WSWidgetClient]struct{}
}

func NewWidgetHub() *WidgetHub {
	return &WidgetHub{clients: make(map[*WSWidgetClient]struct{})}
}

func (h *WidgetHub) AddClientConn(conn *websocket.Conn) *WSWidgetClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	cl := NewWSWidgetClient(conn, h)
	h.clients[cl] = struct{}{}
	return cl
}

func (h *WidgetHub) RemoveClientConn(c *WSWidgetClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Send broadcasts msg. With no tab connected the frame is dropped; a tab that
// connects later gets the live widgets replayed.
func (h *WidgetHub) Send(msg []byte) error {
	h.mu.Lock()
	clients := make([]*WSWidgetClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			slog.Warn("client send channel full, removing client")
			c.Close()
		}
	}
	return nil
}

func (h *WidgetHub) IsEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) == 0
}

func (h *WidgetHub) Close() {
	h.mu.Lock()
	clients := make([]*WSWidgetClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

type HubManager struct {
	mu   sync.Mutex
	hubs map[string]*WidgetHub
}

func NewHubManager() *HubManager {
	return &HubManager{hubs: make(map[string]*WidgetHub)}
}

func (m *HubManager) GetHub(sessionID string) *WidgetHub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[sessionID]
}

func (m *HubManager) CreateHub(sessionID string) (*WidgetHub, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.hubs[sessionID]; exists {
		return nil, fmt.Errorf("hub already exists for session: %s", sessionID)
	}
	hub := NewWidgetHub()
	m.hubs[sessionID] = hub
	slog.Debug("Created new widget hub", "sessionid", sessionID)
	return hub, nil
}

// CleanupSession drops the hub and disconnects its tabs.
func (m *HubManager) CleanupSession(sessionID string) {
	m.mu.Lock()
	hub, exists := m.hubs[sessionID]
	if !exists {
		m.mu.Unlock()
		slog.Warn("Attempted to clean up non-existent hub", "sessionid", sessionID)
		return
	}
	delete(m.hubs, sessionID)
	m.mu.Unlock()

	hub.Close()
	slog.Debug("Cleaned up widget hub", "sessionid", sessionID)
}

func (m *HubManager) ExistsHub(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.hubs[sessionID]
	return exists
}

func (m *HubManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.hubs))
	for id := range m.hubs {
		ids = append(ids, id)
	}
	return ids
}
