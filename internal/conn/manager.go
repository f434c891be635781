package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"flowwatch/internal/transport"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

type Reason string

const (
	ReasonClient    Reason = "client"
	ReasonTransport Reason = "transport"
	ReasonAuth      Reason = "auth"
)

type EventType string

const (
	EventStatus       EventType = "status"
	EventConnected    EventType = "connect"
	EventDisconnected EventType = "disconnect"
	// EventExhausted fires once the reconnect budget is spent. The manager stays
	// disconnected until Connect is called again.
	EventExhausted EventType = "exhausted"
)

type Event struct {
	Type   EventType
	Status Status
	Reason Reason
	Err    error
}

type Listener func(Event)

var ErrNotConnected = errors.New("conn: not connected")

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

type Options struct {
	Endpoint    string
	Dialer      transport.Dialer
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

type Manager struct {
	endpoint    string
	dialer      transport.Dialer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger

	mu           sync.Mutex
	status       Status
	sock         transport.Socket
	cancel       context.CancelFunc
	gen          uint64
	listeners    map[uint64]Listener
	listenerSeq  uint64
	listenerList []uint64
	onMessage    func([]byte)

	writeMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		endpoint:    strings.TrimSpace(opts.Endpoint),
		dialer:      opts.Dialer,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		logger:      logger,
		status:      StatusDisconnected,
		listeners:   map[uint64]Listener{},
	}
	if m.dialer == nil {
		m.dialer = transport.WSDialer{}
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.baseDelay <= 0 {
		m.baseDelay = defaultBaseDelay
	}
	if m.maxDelay <= 0 {
		m.maxDelay = defaultMaxDelay
	}
	return m
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnEvent registers fn for connection events. Listeners run on the connection
// goroutine, in registration order, and must not block.
func (m *Manager) OnEvent(fn Listener) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = fn
	m.listenerList = append(m.listenerList, id)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.listeners[id]; !ok {
			return
		}
		delete(m.listeners, id)
		for i, item := range m.listenerList {
			if item == id {
				m.listenerList = append(m.listenerList[:i], m.listenerList[i+1:]...)
				break
			}
		}
	}
}

// SetMessageHandler installs the single consumer of inbound frames. Frames of one
// connection are handed over sequentially, in transport order.
func (m *Manager) SetMessageHandler(fn func([]byte)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

func (m *Manager) Connect(ctx context.Context, credential string) {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.status = StatusConnecting
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Info("connecting", "endpoint", m.endpoint, "with_credential", strings.TrimSpace(credential) != "")
	m.emit(listeners, Event{Type: EventStatus, Status: StatusConnecting})
	go m.run(runCtx, gen, credential)
}

func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel := m.cancel
	sock := m.sock
	m.cancel = nil
	m.sock = nil
	m.status = StatusDisconnected
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		_ = sock.Close()
	}
	m.logger.Info("disconnected", "reason", ReasonClient)
	m.emit(listeners, Event{Type: EventStatus, Status: StatusDisconnected})
	m.emit(listeners, Event{Type: EventDisconnected, Status: StatusDisconnected, Reason: ReasonClient})
}

func (m *Manager) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	sock := m.sock
	status := m.status
	m.mu.Unlock()
	if sock == nil || status != StatusConnected {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteText(ctx, string(payload))
}

func (m *Manager) run(ctx context.Context, gen uint64, credential string) {
	for {
		sock, err := m.dialWithRetry(ctx, credential)
		if err != nil {
			if ctx.Err() != nil {
				m.stopped(ctx, gen)
				return
			}
			if transport.IsAuthClose(err) {
				m.logger.Warn("dial rejected credential", "endpoint", m.endpoint, "err", err)
				m.finish(gen, Event{Type: EventDisconnected, Reason: ReasonAuth, Err: err})
				return
			}
			m.logger.Error("reconnect attempts exhausted", "endpoint", m.endpoint, "attempts", m.maxAttempts, "err", err)
			m.finish(gen, Event{Type: EventExhausted, Err: err})
			return
		}

		if !m.attach(gen, sock) {
			_ = sock.Close()
			return
		}
		readErr := m.readLoop(ctx, sock)
		m.detach(gen, sock)
		_ = sock.Close()
		if ctx.Err() != nil {
			m.stopped(ctx, gen)
			return
		}
		if transport.IsAuthClose(readErr) {
			m.logger.Warn("server revoked session", "endpoint", m.endpoint, "err", readErr)
			m.finish(gen, Event{Type: EventDisconnected, Reason: ReasonAuth, Err: readErr})
			return
		}
		m.logger.Warn("connection dropped, reconnecting", "endpoint", m.endpoint, "err", readErr)
		if !m.transition(gen, StatusReconnecting, &Event{Type: EventDisconnected, Reason: ReasonTransport, Err: readErr}) {
			return
		}
	}
}

func (m *Manager) dialWithRetry(ctx context.Context, credential string) (transport.Socket, error) {
	backoff := retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.WithCappedDuration(m.maxDelay, retry.NewExponential(m.baseDelay)))
	attempt := 0
	var sock transport.Socket
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		s, err := m.dialer.Dial(ctx, m.endpoint, credential)
		if err != nil {
			if transport.IsAuthClose(err) || ctx.Err() != nil {
				return err
			}
			m.logger.Warn("dial failed", "endpoint", m.endpoint, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		sock = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func (m *Manager) readLoop(ctx context.Context, sock transport.Socket) error {
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		handler := m.onMessage
		m.mu.Unlock()
		if handler != nil {
			handler([]byte(text))
		}
	}
}

func (m *Manager) attach(gen uint64, sock transport.Socket) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.sock = sock
	m.status = StatusConnected
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Info("connected", "endpoint", m.endpoint)
	m.emit(listeners, Event{Type: EventStatus, Status: StatusConnected})
	m.emit(listeners, Event{Type: EventConnected, Status: StatusConnected})
	return true
}

func (m *Manager) detach(gen uint64, sock transport.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.sock == sock {
		m.sock = nil
	}
}

func (m *Manager) transition(gen uint64, status Status, ev *Event) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.status = status
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.emit(listeners, Event{Type: EventStatus, Status: status})
	if ev != nil {
		out := *ev
		out.Status = status
		m.emit(listeners, out)
	}
	return true
}

func (m *Manager) finish(gen uint64, ev Event) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		defer cancel()
	}
	m.transition(gen, StatusDisconnected, &ev)
}

// stopped handles the parent context ending without an explicit Disconnect.
func (m *Manager) stopped(ctx context.Context, gen uint64) {
	m.finish(gen, Event{Type: EventDisconnected, Reason: ReasonClient, Err: ctx.Err()})
}

func (m *Manager) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(m.listenerList))
	for _, id := range m.listenerList {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Manager) emit(listeners []Listener, ev Event) {
	for _, fn := range listeners {
		m.deliver(fn, ev)
	}
}

func (m *Manager) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection listener panicked", "event", string(ev.Type), "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}
