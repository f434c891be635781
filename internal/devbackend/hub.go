package devbackend

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"flowwatch/internal/protocol"
)

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	joined map[string]struct{}
}

func (c *client) has(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[taskID]
	return ok
}

// Hub tracks websocket clients and the task streams each one joined.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	joins   []string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: map[*client]struct{}{}}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	c := &client{conn: conn, joined: map[string]struct{}{}}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var msg protocol.ControlMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		taskID := strings.TrimSpace(msg.TaskID)
		if taskID == "" {
			h.logger.Warn("control message without task id", "type", msg.Type)
			continue
		}
		switch msg.Type {
		case protocol.TypeJoin:
			c.mu.Lock()
			c.joined[taskID] = struct{}{}
			c.mu.Unlock()
			h.recordJoin(taskID)
		case protocol.TypeLeave:
			c.mu.Lock()
			delete(c.joined, taskID)
			c.mu.Unlock()
		default:
			h.logger.Warn("unknown control message", "type", msg.Type)
		}
	}
}

func (h *Hub) recordJoin(taskID string) {
	h.mu.Lock()
	h.joins = append(h.joins, taskID)
	h.mu.Unlock()
	h.logger.Debug("client joined task", "task_id", taskID)
}

// Joins returns every join received so far, in arrival order.
func (h *Hub) Joins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.joins...)
}

func (h *Hub) Subscribed(taskID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.has(taskID) {
			return true
		}
	}
	return false
}

// WaitSubscribed blocks until some client joined taskID.
func (h *Hub) WaitSubscribed(ctx context.Context, taskID string) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.Subscribed(taskID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Publish sends msg to clients joined to taskID. An empty taskID broadcasts.
func (h *Hub) Publish(taskID string, msg []byte) int {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if taskID == "" || c.has(taskID) {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			h.logger.Warn("websocket write failed", "task_id", taskID, "err", err)
		}
		cancel()
	}
	return len(clients)
}

// DropAll closes every connection with code, simulating a transport drop.
func (h *Hub) DropAll(code websocket.StatusCode, reason string) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		_ = c.conn.Close(code, reason)
	}
}
