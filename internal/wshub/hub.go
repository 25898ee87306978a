package wshub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"archeirelay/internal/envelope"
	"archeirelay/internal/metrics"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	defaultNick = "anon"
	defaultRole = envelope.RolePlayer
)

// Session is the mutable context of one connection.
type Session struct {
	ID   string
	Room string
	Nick string
	Role envelope.Role
}

// Client represents a single WebSocket connection in the hub.
type Client struct {
	session Session // guarded by Hub.mu once registered
	Conn    *websocket.Conn
	Send    chan []byte
}

// NewClient builds a client with a fresh id, the given default room and the
// default nick and role.
func NewClient(conn *websocket.Conn, room string, buffer int) *Client {
	return &Client{
		session: Session{
			ID:   uuid.New().String(),
			Room: room,
			Nick: defaultNick,
			Role: defaultRole,
		},
		Conn: conn,
		Send: make(chan []byte, buffer),
	}
}

func (c *Client) ID() string { return c.session.ID }

// WritePump reads from the Send channel and writes to the WebSocket connection
// until Send is closed, ctx is done or a write fails.
func (c *Client) WritePump(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.Send:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.Conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Hub is the connection registry. Rooms are not stored; they are the sets of
// sessions sharing a Room value.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewHub creates a new Hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		metrics: m,
		log:     slog.Default().With("component", "wshub"),
	}
}

// Register adds a client to the hub and returns its session.
func (h *Hub) Register(c *Client) Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.session.ID] = c
	h.metrics.ConnectionOpened()
	return c.session
}

// UpdateSession overwrites the non-empty fields. Unknown ids are ignored.
func (h *Hub) UpdateSession(id, room, nick string, role envelope.Role) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return Session{}, false
	}
	if room != "" {
		c.session.Room = room
	}
	if nick != "" {
		c.session.Nick = nick
	}
	if role != "" {
		c.session.Role = role
	}
	return c.session, true
}

// Session returns a copy of the session for id.
func (h *Hub) Session(id string) (Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return Session{}, false
	}
	return c.session, true
}

// Unregister removes a client and closes its Send channel. It returns the
// removed session so the caller can notify its last room.
func (h *Hub) Unregister(id string) (Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return Session{}, false
	}
	close(c.Send)
	delete(h.clients, id)
	h.metrics.ConnectionClosed()
	return c.session, true
}

// SessionsInRoom returns copies of every session currently in room, in no
// particular order.
func (h *Hub) SessionsInRoom(room string) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Session, 0, len(h.clients))
	for _, c := range h.clients {
		if c.session.Room == room {
			out = append(out, c.session)
		}
	}
	return out
}

// Broadcast queues data to every client in room. Non-blocking: a client whose
// channel is full is skipped. It returns the number of clients reached.
func (h *Hub) Broadcast(room string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, c := range h.clients {
		if c.session.Room != room {
			continue
		}
		select {
		case c.Send <- data:
			sent++
		default:
			h.metrics.Dropped()
			h.log.Warn("send buffer full, dropping frame", "room", room, "connId", id)
		}
	}
	h.metrics.Delivered(sent)
	return sent
}

// BroadcastJSON marshals v once and broadcasts it to room.
func (h *Hub) BroadcastJSON(room string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal error", "room", room, "error", err)
		return 0
	}
	return h.Broadcast(room, data)
}

// SendTo queues data for a single client. It reports false when the client is
// unknown or its channel is full.
func (h *Hub) SendTo(id string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	select {
	case c.Send <- data:
		h.metrics.Delivered(1)
		return true
	default:
		h.metrics.Dropped()
		h.log.Warn("send buffer full, dropping frame", "connId", id)
		return false
	}
}

// Stats reports the number of distinct non-empty rooms and of live connections.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := lo.MapToSlice(h.clients, func(_ string, c *Client) string { return c.session.Room })
	return len(lo.Uniq(names)), len(h.clients)
}
