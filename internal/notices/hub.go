package notices

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans notices out to websocket subscribers and keeps a short history.
// Subscribers that cannot keep up are dropped.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	bufferSize int

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	history []Notice
	limit   int
}

func NewHub(historySize, bufferSize int, logger *slog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 100
	}
	if bufferSize <= 0 {
		bufferSize = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		bufferSize: bufferSize,
		clients:    make(map[*subscriber]struct{}),
		limit:      historySize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Notify(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("marshal notice", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, n)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("dropping slow notice subscriber", "subscriber", c.id)
		}
	}
}

// Recent returns up to n of the latest notices, oldest first.
func (h *Hub) Recent(n int) []Notice {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Notice, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams every subsequent notice.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("notice stream upgrade failed", "error", err)
		return
	}
	c := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.bufferSize),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("notice subscriber connected", "subscriber", c.id)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop only services control frames; the stream is one-way.
func (h *Hub) readLoop(c *subscriber) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("notice subscriber read error", "subscriber", c.id, "error", err)
			}
			return
		}
	}
}
