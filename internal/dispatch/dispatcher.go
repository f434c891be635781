package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"flowwatch/internal/protocol"
)

type Listener func(protocol.Update)

type entry struct {
	id uint64
	fn Listener
}

// Dispatcher fans inbound updates out to kind listeners and task listeners.
// Delivery is synchronous on the caller's goroutine, so updates for one task
// reach its listeners in the order HandleRaw/Dispatch saw them.
type Dispatcher struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	seq    uint64
	byKind map[protocol.Kind][]entry
	byTask map[string][]entry
}

func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		logger: logger,
		now:    time.Now,
		byKind: map[protocol.Kind][]entry{},
		byTask: map[string][]entry{},
	}
}

func (d *Dispatcher) OnKind(kind protocol.Kind, fn Listener) (cancel func()) {
	if fn == nil || !kind.Valid() {
		return func() {}
	}
	d.mu.Lock()
	d.seq++
	id := d.seq
	d.byKind[kind] = append(d.byKind[kind], entry{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byKind[kind] = without(d.byKind[kind], id)
		if len(d.byKind[kind]) == 0 {
			delete(d.byKind, kind)
		}
	}
}

func (d *Dispatcher) OnTask(taskID string, fn Listener) (cancel func()) {
	taskID = strings.TrimSpace(taskID)
	if fn == nil || taskID == "" {
		return func() {}
	}
	d.mu.Lock()
	d.seq++
	id := d.seq
	d.byTask[taskID] = append(d.byTask[taskID], entry{id: id, fn: fn})
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.byTask[taskID] = without(d.byTask[taskID], id)
		if len(d.byTask[taskID]) == 0 {
			delete(d.byTask, taskID)
		}
	}
}

func (d *Dispatcher) HasTask(taskID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byTask[strings.TrimSpace(taskID)]) > 0
}

// HandleRaw is the connection's message handler. Nothing it receives can make
// it return an error or panic.
func (d *Dispatcher) HandleRaw(raw []byte) {
	u, err := protocol.Decode(raw, d.now())
	if err != nil {
		d.logger.Warn("dropping inbound message", "err", err, "size", len(raw))
		return
	}
	d.Dispatch(u)
}

func (d *Dispatcher) Dispatch(u protocol.Update) {
	switch u.Kind {
	case protocol.KindProgress, protocol.KindCompleted, protocol.KindFailed, protocol.KindApprovalRequired:
	default:
		d.logger.Warn("dropping update with unknown kind", "kind", string(u.Kind), "task_id", u.TaskID)
		return
	}

	d.mu.RLock()
	kindListeners := append([]entry(nil), d.byKind[u.Kind]...)
	var taskListeners []entry
	if u.TaskID != "" {
		taskListeners = append([]entry(nil), d.byTask[u.TaskID]...)
	}
	d.mu.RUnlock()

	for _, e := range kindListeners {
		d.deliver(e, u)
	}
	if u.TaskID == "" {
		if len(kindListeners) == 0 {
			d.logger.Warn("dropping untargeted update", "kind", string(u.Kind))
		}
		return
	}
	if len(taskListeners) == 0 {
		d.logger.Debug("discarding update for untracked task", "task_id", u.TaskID, "kind", string(u.Kind))
		return
	}
	for _, e := range taskListeners {
		d.deliver(e, u)
	}
}

func (d *Dispatcher) deliver(e entry, u protocol.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("update listener panicked", "task_id", u.TaskID, "kind", string(u.Kind), "panic", fmt.Sprint(r))
		}
	}()
	e.fn(u)
}

func without(list []entry, id uint64) []entry {
	out := list[:0:0]
	for _, e := range list {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
