package task

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"flowwatch/internal/protocol"
)

// Gate routes approval requests that arrive without a task id. It is registered
// as the dispatcher's approval-required kind listener.
type Gate struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gate{logger: logger, tasks: map[string]*Task{}}
}

// Add makes t a routing candidate under taskID. It never touches t, so it is
// safe to call from Deps.OnStart.
func (g *Gate) Add(taskID string, t *Task) {
	id := strings.TrimSpace(taskID)
	if g == nil || t == nil || id == "" {
		return
	}
	g.mu.Lock()
	g.tasks[id] = t
	g.mu.Unlock()
}

func (g *Gate) Remove(taskID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.tasks, strings.TrimSpace(taskID))
	g.mu.Unlock()
}

// Route is a dispatch.Listener. Targeted requests are left to the task's own
// listener.
func (g *Gate) Route(u protocol.Update) {
	if g == nil || u.Kind != protocol.KindApprovalRequired || u.TaskID != "" {
		return
	}
	if u.Approval == nil {
		g.logger.Warn("dropping approval request without payload")
		return
	}
	runID := u.Approval.WorkflowRunID
	target := g.resolve(runID)
	if target == nil {
		g.logger.Warn("dropping unroutable approval request", "workflow_run_id", runID)
		return
	}
	target.HandleUpdate(u.WithTaskID(target.ID()))
}

func (g *Gate) resolve(runID string) *Task {
	g.mu.Lock()
	if t, ok := g.tasks[runID]; ok {
		g.mu.Unlock()
		if t.Disposed() {
			return nil
		}
		return t
	}
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	candidates := make([]*Task, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		candidates = append(candidates, g.tasks[id])
	}
	g.mu.Unlock()

	var running []*Task
	for _, t := range candidates {
		if !t.Disposed() && t.State() == StateRunning {
			running = append(running, t)
		}
	}
	if len(running) != 1 {
		if len(running) > 1 {
			g.logger.Warn("approval request matches several running tasks", "workflow_run_id", runID, "count", len(running))
		}
		return nil
	}
	return running[0]
}
