package history

import (
	"io"
	"log/slog"
	"sync"

	"flowwatch/internal/task"
)

// Attach records every change of t until cancel is called. cancel writes the
// final state and returns once no write is in progress. Recording failures are
// logged and never reach the task.
func (s *Store) Attach(t *task.Task, logger *slog.Logger) (cancel func()) {
	if s == nil || t == nil {
		return func() {}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var (
		mu      sync.Mutex
		last    uint64
		stopped bool
	)
	recordLocked := func(snap task.Snapshot) {
		if snap.Version <= last {
			return
		}
		last = snap.Version
		if err := s.RecordTask(snap); err != nil {
			logger.Warn("record task history failed", "task_id", snap.ID, "err", err)
		}
	}
	stop := t.Watch(func(snap task.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			recordLocked(snap)
		}
	})
	mu.Lock()
	recordLocked(t.Snapshot())
	mu.Unlock()
	return func() {
		stop()
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		stopped = true
		// Flush the latest state; a notification may still be in flight.
		recordLocked(t.Snapshot())
	}
}
