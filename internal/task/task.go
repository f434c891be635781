package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"flowwatch/internal/backend"
	"flowwatch/internal/dispatch"
	"flowwatch/internal/protocol"
)

type State string

const (
	StateIdle             State = "idle"
	StateSubmitting       State = "submitting"
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting-approval"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type FailureSource string

const (
	FailureSubmission FailureSource = "submission"
	FailureRemote     FailureSource = "remote"
)

// Failure is set only in StateFailed. Raw holds the backend error payload as
// received; it is never reinterpreted.
type Failure struct {
	Source  FailureSource   `json:"source"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

var (
	ErrAlreadyStarted    = errors.New("task: already started")
	ErrDisposed          = errors.New("task: disposed")
	ErrNoPendingApproval = errors.New("task: no pending approval")
	ErrApprovalInFlight  = errors.New("task: approval decision already in flight")
	ErrInvalidDecision   = errors.New("task: invalid decision")
	ErrEmptyTaskID       = errors.New("task: empty task id")
)

type Submitter interface {
	SubmitTask(ctx context.Context, goal string, params map[string]any) (backend.Submission, error)
}

type Resumer interface {
	ResumeWorkflow(ctx context.Context, workflowRunID string, decision protocol.Decision) error
}

type Subscriber interface {
	Subscribe(taskID string)
	Unsubscribe(taskID string)
}

type Router interface {
	OnTask(taskID string, fn dispatch.Listener) (cancel func())
}

// OnStart runs once the task has an id, before its join is sent. It is called
// with the task lock held and must not call back into the task.
type Deps struct {
	Submitter  Submitter
	Resumer    Resumer
	Subscriber Subscriber
	Router     Router
	OnStart    func(taskID string, t *Task)
	Logger     *slog.Logger
}

type Snapshot struct {
	ID              string                    `json:"id"`
	Goal            string                    `json:"goal,omitempty"`
	State           State                     `json:"state"`
	Log             []protocol.Update         `json:"-"`
	Result          json.RawMessage           `json:"result,omitempty"`
	Failure         *Failure                  `json:"error,omitempty"`
	PendingApproval *protocol.ApprovalRequest `json:"pending_approval,omitempty"`
	Version         uint64                    `json:"version"`
}

// Task tracks one remote job. All transitions happen under mu; watchers are
// notified after it is released.
type Task struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	id        string
	goal      string
	state     State
	log       []protocol.Update
	result    json.RawMessage
	failure   *Failure
	pending   *protocol.ApprovalRequest
	resolving bool
	disposed  bool
	detach    func()
	version   uint64

	watchMu  sync.Mutex
	watchSeq uint64
	watchers map[uint64]func(Snapshot)
}

func New(deps Deps) *Task {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Task{
		deps:     deps,
		logger:   logger,
		state:    StateIdle,
		watchers: map[uint64]func(Snapshot){},
	}
}

func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Watch calls fn with a fresh snapshot after every change. Snapshots may arrive
// out of order from different goroutines; Version is monotonic.
func (t *Task) Watch(fn func(Snapshot)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	t.watchMu.Lock()
	t.watchSeq++
	id := t.watchSeq
	t.watchers[id] = fn
	t.watchMu.Unlock()
	return func() {
		t.watchMu.Lock()
		delete(t.watchers, id)
		t.watchMu.Unlock()
	}
}

func (t *Task) Submit(ctx context.Context, goal string, params map[string]any) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	goal = strings.TrimSpace(goal)
	t.goal = goal
	t.state = StateSubmitting
	snap := t.bumpLocked()
	t.mu.Unlock()
	t.notify(snap)

	sub, err := t.deps.Submitter.SubmitTask(ctx, goal, params)

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		t.logger.Debug("discarding late submission response", "goal", goal, "task_id", sub.TaskID, "err", err)
		return nil
	}
	if err != nil {
		t.state = StateFailed
		t.failure = &Failure{Source: FailureSubmission, Message: err.Error()}
		snap = t.bumpLocked()
		t.mu.Unlock()
		t.logger.Warn("task submission failed", "goal", goal, "err", err)
		t.notify(snap)
		return err
	}
	t.startLocked(sub.TaskID)
	snap = t.bumpLocked()
	t.mu.Unlock()
	t.logger.Info("task submitted", "task_id", sub.TaskID, "goal", goal, "status", sub.Status)
	t.notify(snap)
	return nil
}

// Track adopts a task that already exists on the backend.
func (t *Task) Track(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrEmptyTaskID
	}
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.startLocked(taskID)
	snap := t.bumpLocked()
	t.mu.Unlock()
	t.logger.Info("tracking task", "task_id", taskID)
	t.notify(snap)
	return nil
}

// startLocked registers the update listener and the start hook before the join
// goes out so no update for the new id can slip past.
func (t *Task) startLocked(taskID string) {
	t.id = taskID
	t.state = StateRunning
	if t.deps.Router != nil {
		t.detach = t.deps.Router.OnTask(taskID, t.HandleUpdate)
	}
	if t.deps.OnStart != nil {
		t.deps.OnStart(taskID, t)
	}
	if t.deps.Subscriber != nil {
		t.deps.Subscriber.Subscribe(taskID)
	}
}

func (t *Task) ResolveApproval(ctx context.Context, decision protocol.Decision) error {
	if !decision.Valid() {
		return ErrInvalidDecision
	}
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != StateAwaitingApproval || t.pending == nil {
		t.mu.Unlock()
		return ErrNoPendingApproval
	}
	if t.resolving {
		t.mu.Unlock()
		return ErrApprovalInFlight
	}
	t.resolving = true
	pending := t.pending
	id := t.id
	t.mu.Unlock()

	err := t.deps.Resumer.ResumeWorkflow(ctx, pending.WorkflowRunID, decision)

	t.mu.Lock()
	t.resolving = false
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("approval decision not delivered", "task_id", id, "workflow_run_id", pending.WorkflowRunID, "err", err)
		return err
	}
	if t.disposed || t.pending != pending || t.state != StateAwaitingApproval {
		// A terminal update or a newer approval request won the race.
		t.mu.Unlock()
		return nil
	}
	t.pending = nil
	t.state = StateRunning
	snap := t.bumpLocked()
	t.mu.Unlock()
	t.logger.Info("approval decision sent", "task_id", id, "workflow_run_id", pending.WorkflowRunID, "decision", string(decision))
	t.notify(snap)
	return nil
}

// Dispose stops local tracking. The remote job keeps running.
func (t *Task) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	id := t.id
	detach := t.detach
	t.detach = nil
	t.mu.Unlock()

	if detach != nil {
		detach()
	}
	if id != "" && t.deps.Subscriber != nil {
		t.deps.Subscriber.Unsubscribe(id)
	}
	t.logger.Debug("task disposed", "task_id", id)
}

func (t *Task) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

// HandleUpdate applies one inbound update. It is the dispatcher listener for
// this task and is also used by the approval gate for untargeted requests.
func (t *Task) HandleUpdate(u protocol.Update) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	if u.TaskID != "" && u.TaskID != t.id {
		t.mu.Unlock()
		t.logger.Warn("update addressed to another task", "task_id", t.id, "update_task_id", u.TaskID)
		return
	}
	if t.state.Terminal() {
		t.mu.Unlock()
		t.logger.Debug("ignoring update for terminal task", "task_id", t.id, "kind", string(u.Kind))
		return
	}
	if t.state != StateRunning && t.state != StateAwaitingApproval {
		t.mu.Unlock()
		t.logger.Warn("ignoring update before task started", "state", string(t.state), "kind", string(u.Kind))
		return
	}

	switch u.Kind {
	case protocol.KindProgress:
		t.log = append(t.log, u)
	case protocol.KindCompleted:
		t.log = append(t.log, u)
		t.state = StateCompleted
		t.result = u.Result
		t.pending = nil
	case protocol.KindFailed:
		t.log = append(t.log, u)
		t.state = StateFailed
		t.failure = &Failure{Source: FailureRemote, Message: failureMessage(u), Raw: u.Error}
		t.pending = nil
	case protocol.KindApprovalRequired:
		if !t.acceptApprovalLocked(u) {
			t.mu.Unlock()
			return
		}
	default:
		t.mu.Unlock()
		t.logger.Warn("ignoring update with unknown kind", "task_id", t.id, "kind", string(u.Kind))
		return
	}
	snap := t.bumpLocked()
	t.mu.Unlock()

	if snap.State.Terminal() {
		t.logger.Info("task finished", "task_id", snap.ID, "state", string(snap.State))
	}
	t.notify(snap)
}

func failureMessage(u protocol.Update) string {
	if len(u.Error) == 0 {
		return u.Status
	}
	var s string
	if err := json.Unmarshal(u.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(u.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(u.Error)
}

func (t *Task) bumpLocked() Snapshot {
	t.version++
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	log := make([]protocol.Update, len(t.log))
	copy(log, t.log)
	snap := Snapshot{
		ID:      t.id,
		Goal:    t.goal,
		State:   t.state,
		Log:     log,
		Version: t.version,
	}
	if t.state == StateCompleted {
		snap.Result = t.result
	}
	if t.state == StateFailed && t.failure != nil {
		f := *t.failure
		snap.Failure = &f
	}
	if t.state == StateAwaitingApproval && t.pending != nil {
		p := *t.pending
		snap.PendingApproval = &p
	}
	return snap
}

func (t *Task) notify(snap Snapshot) {
	t.watchMu.Lock()
	fns := make([]func(Snapshot), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
