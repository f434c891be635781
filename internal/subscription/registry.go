package subscription

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"flowwatch/internal/conn"
	"flowwatch/internal/protocol"
)

// Channel is the part of the connection manager the registry needs.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Status() conn.Status
	OnEvent(fn conn.Listener) (cancel func())
}

const defaultSendTimeout = 5 * time.Second

// Registry ref-counts interest in task streams. A join goes out on the 0->1
// transition and a leave on 1->0; everything in between is absorbed locally.
type Registry struct {
	channel     Channel
	logger      *slog.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	refs   map[string]int
	joined map[string]struct{}
	online bool
	detach func()
}

func NewRegistry(channel Channel, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		channel:     channel,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
		refs:        map[string]int{},
		joined:      map[string]struct{}{},
		online:      channel.Status() == conn.StatusConnected,
	}
	r.detach = channel.OnEvent(r.handleEvent)
	return r
}

// Close stops listening for connection events. Subscriptions are kept.
func (r *Registry) Close() {
	if r == nil || r.detach == nil {
		return
	}
	r.detach()
}

func (r *Registry) Subscribe(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[taskID]++
	if r.refs[taskID] != 1 {
		return
	}
	if !r.online {
		r.logger.Debug("join deferred until connected", "task_id", taskID)
		return
	}
	r.joinLocked(taskID)
}

func (r *Registry) Unsubscribe(taskID string) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[taskID]
	if !ok {
		return
	}
	if n > 1 {
		r.refs[taskID] = n - 1
		return
	}
	delete(r.refs, taskID)
	if _, wasJoined := r.joined[taskID]; !wasJoined {
		return
	}
	delete(r.joined, taskID)
	if !r.online {
		return
	}
	r.sendLocked(protocol.NewLeave(taskID))
}

func (r *Registry) RefCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[strings.TrimSpace(taskID)]
}

func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for id := range r.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) handleEvent(ev conn.Event) {
	switch ev.Type {
	case conn.EventConnected:
		r.mu.Lock()
		defer r.mu.Unlock()
		r.online = true
		// Joins of the previous connection died with it.
		r.joined = map[string]struct{}{}
		ids := make([]string, 0, len(r.refs))
		for id := range r.refs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r.joinLocked(id)
		}
		if len(ids) > 0 {
			r.logger.Info("resubscribed after connect", "tasks", len(ids))
		}
	case conn.EventDisconnected, conn.EventExhausted:
		r.mu.Lock()
		r.online = false
		r.joined = map[string]struct{}{}
		r.mu.Unlock()
	}
}

func (r *Registry) joinLocked(taskID string) {
	if _, ok := r.joined[taskID]; ok {
		return
	}
	if r.sendLocked(protocol.NewJoin(taskID)) {
		r.joined[taskID] = struct{}{}
	}
}

// sendLocked reports whether the message reached the channel. Failures are
// logged only; a failed join is retried on the next connect.
func (r *Registry) sendLocked(msg protocol.ControlMessage) bool {
	raw, err := msg.Encode()
	if err != nil {
		r.logger.Error("encode control message failed", "type", msg.Type, "task_id", msg.TaskID, "err", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
	defer cancel()
	if err := r.channel.Send(ctx, raw); err != nil {
		r.logger.Warn("control message not delivered", "type", msg.Type, "task_id", msg.TaskID, "err", err)
		return false
	}
	r.logger.Debug("control message sent", "type", msg.Type, "task_id", msg.TaskID)
	return true
}
