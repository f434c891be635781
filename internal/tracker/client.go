package tracker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"flowwatch/internal/conn"
	"flowwatch/internal/dispatch"
	"flowwatch/internal/history"
	"flowwatch/internal/logging"
	"flowwatch/internal/protocol"
	"flowwatch/internal/subscription"
	"flowwatch/internal/task"
	"flowwatch/internal/transport"
)

type Backend interface {
	task.Submitter
	task.Resumer
}

// Credential is consulted on every Connect; nil or an empty result means
// connect without credential.
type Options struct {
	Endpoint    string
	Dialer      transport.Dialer
	Backend     Backend
	Credential  func() string
	History     *history.Store
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

var (
	ErrBackendRequired = errors.New("tracker: backend is required")
	ErrClosed          = errors.New("tracker: client closed")
)

type tracked struct {
	task        *task.Task
	stopHistory func()
}

// Client owns one connection and multiplexes it across every task it tracks.
type Client struct {
	opts       Options
	logger     *slog.Logger
	conn       *conn.Manager
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	gate       *task.Gate
	stopGate   func()

	mu     sync.Mutex
	tasks  map[*task.Task]*tracked
	closed bool
}

func New(opts Options) (*Client, error) {
	if opts.Backend == nil {
		return nil, ErrBackendRequired
	}
	logger := logging.For(opts.Logger, "tracker")
	manager := conn.NewManager(conn.Options{
		Endpoint:    opts.Endpoint,
		Dialer:      opts.Dialer,
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		Logger:      logging.For(opts.Logger, "conn"),
	})
	dispatcher := dispatch.New(logging.For(opts.Logger, "dispatch"))
	manager.SetMessageHandler(dispatcher.HandleRaw)
	gate := task.NewGate(logging.For(opts.Logger, "approval"))

	c := &Client{
		opts:       opts,
		logger:     logger,
		conn:       manager,
		registry:   subscription.NewRegistry(manager, logging.For(opts.Logger, "subscription")),
		dispatcher: dispatcher,
		gate:       gate,
		tasks:      map[*task.Task]*tracked{},
	}
	c.stopGate = dispatcher.OnKind(protocol.KindApprovalRequired, gate.Route)
	return c, nil
}

func (c *Client) Connect(ctx context.Context) {
	credential := ""
	if c.opts.Credential != nil {
		credential = strings.TrimSpace(c.opts.Credential())
	}
	c.conn.Connect(ctx, credential)
}

func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

func (c *Client) Status() conn.Status {
	return c.conn.Status()
}

func (c *Client) OnConnectionEvent(fn conn.Listener) (cancel func()) {
	return c.conn.OnEvent(fn)
}

// OnUpdate observes every inbound update of kind, whichever task it targets.
func (c *Client) OnUpdate(kind protocol.Kind, fn dispatch.Listener) (cancel func()) {
	return c.dispatcher.OnKind(kind, fn)
}

func (c *Client) Subscriptions() []string {
	return c.registry.Active()
}

// Submit creates a remote task and starts tracking it. On submission failure
// the returned task is in StateFailed and the error is returned as well.
func (c *Client) Submit(ctx context.Context, goal string, params map[string]any) (*task.Task, error) {
	t, err := c.newTask()
	if err != nil {
		return nil, err
	}
	if err := t.Submit(ctx, goal, params); err != nil {
		c.Release(t)
		return t, err
	}
	if t.Disposed() {
		return t, task.ErrDisposed
	}
	return t, nil
}

// Track adopts a task created elsewhere.
func (c *Client) Track(taskID string) (*task.Task, error) {
	t, err := c.newTask()
	if err != nil {
		return nil, err
	}
	if err := t.Track(taskID); err != nil {
		c.Release(t)
		return nil, err
	}
	return t, nil
}

// Release stops local tracking of t. The remote task is unaffected.
func (c *Client) Release(t *task.Task) {
	if t == nil {
		return
	}
	c.mu.Lock()
	tr, ok := c.tasks[t]
	delete(c.tasks, t)
	c.mu.Unlock()

	if id := t.ID(); id != "" {
		c.gate.Remove(id)
	}
	t.Dispose()
	if ok && tr.stopHistory != nil {
		tr.stopHistory()
	}
}

func (c *Client) Tasks() []*task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*task.Task, 0, len(c.tasks))
	for t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// Close releases every task and drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tasks := make([]*task.Task, 0, len(c.tasks))
	for t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	for _, t := range tasks {
		c.Release(t)
	}
	c.stopGate()
	c.registry.Close()
	c.conn.Disconnect()
}

func (c *Client) newTask() (*task.Task, error) {
	t := task.New(task.Deps{
		Submitter:  c.opts.Backend,
		Resumer:    c.opts.Backend,
		Subscriber: c.registry,
		Router:     c.dispatcher,
		OnStart:    c.gate.Add,
		Logger:     logging.For(c.opts.Logger, "task"),
	})
	tr := &tracked{task: t}
	if c.opts.History != nil {
		tr.stopHistory = c.opts.History.Attach(t, logging.For(c.opts.Logger, "history"))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if tr.stopHistory != nil {
			tr.stopHistory()
		}
		return nil, ErrClosed
	}
	c.tasks[t] = tr
	c.mu.Unlock()
	return t, nil
}
