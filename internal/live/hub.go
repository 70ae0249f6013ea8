// Package live pushes new home timeline entries to connected WebSocket
// clients.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 64
)

// Message is the frame pushed to clients.
type Message struct {
	Type  string        `json:"type"`
	Entry *EntryPayload `json:"entry,omitempty"`
	Conn  string        `json:"connectionId,omitempty"`
}

// EntryPayload describes a timeline entry without hydrating it; clients fetch
// the page again to render it.
type EntryPayload struct {
	PostID             int64  `json:"pid"`
	AuthorID           int64  `json:"uid"`
	AttributedUsername string `json:"repostUsername,omitempty"`
	Score              int64  `json:"score"`
}

const (
	MessageConnected = "connected"
	MessageEntry     = "timeline.entry"
)

type client struct {
	id   string
	uid  int64
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub tracks live connections per user. Notify never blocks: a client whose
// buffer is full misses the message.
type Hub struct {
	users    *xsync.MapOf[int64, *xsync.MapOf[string, *client]]
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger, m *metrics.Collector) *Hub {
	return &Hub{
		users: xsync.NewMapOf[int64, *xsync.MapOf[string, *client]](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
	}
}

// Serve upgrades the request and streams entries for uid until the client
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, uid int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "uid", uid, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		uid:  uid,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	if hello, err := json.Marshal(Message{Type: MessageConnected, Conn: c.id}); err == nil {
		c.send <- hello
	}

	go h.writePump(c)
	h.readPump(c)
}

// Connections returns the number of open connections of uid.
func (h *Hub) Connections(uid int64) int {
	conns, ok := h.users.Load(uid)
	if !ok {
		return 0
	}
	return conns.Size()
}

// Notify implements timeline.Notifier.
func (h *Hub) Notify(_ context.Context, recipients []int64, entry domain.Entry) {
	msg, err := json.Marshal(Message{
		Type: MessageEntry,
		Entry: &EntryPayload{
			PostID:             entry.Ref.PostID,
			AuthorID:           entry.Ref.AuthorID,
			AttributedUsername: entry.Ref.AttributedUsername,
			Score:              entry.Score,
		},
	})
	if err != nil {
		h.logger.Error("encode live message", "error", err)
		return
	}

	for _, uid := range recipients {
		conns, ok := h.users.Load(uid)
		if !ok {
			continue
		}
		conns.Range(func(_ string, c *client) bool {
			select {
			case c.send <- msg:
			default:
				h.logger.Warn("live client too slow, dropping message", "uid", uid, "connectionID", c.id)
			}
			return true
		})
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.users.Range(func(_ int64, conns *xsync.MapOf[string, *client]) bool {
		conns.Range(func(_ string, c *client) bool {
			c.conn.Close()
			return true
		})
		return true
	})
}

func (h *Hub) register(c *client) {
	h.users.Compute(c.uid, func(conns *xsync.MapOf[string, *client], loaded bool) (*xsync.MapOf[string, *client], bool) {
		if !loaded {
			conns = xsync.NewMapOf[string, *client]()
		}
		conns.Store(c.id, c)
		return conns, false
	})
	h.metrics.LiveClient(1)
	h.logger.Info("live client connected", "uid", c.uid, "connectionID", c.id)
}

func (h *Hub) unregister(c *client) {
	h.users.Compute(c.uid, func(conns *xsync.MapOf[string, *client], loaded bool) (*xsync.MapOf[string, *client], bool) {
		if !loaded {
			return conns, true
		}
		conns.Delete(c.id)
		return conns, conns.Size() == 0
	})
	close(c.done)
	c.conn.Close()
	h.metrics.LiveClient(-1)
	h.logger.Info("live client disconnected", "uid", c.uid, "connectionID", c.id)
}

// readPump only consumes control frames; clients never send data.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("live client read error", "uid", c.uid, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}
