package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"flowwatch/internal/transport"
)

type eventRecorder struct {
	ch chan Event
}

func recordEvents(m *Manager) *eventRecorder {
	r := &eventRecorder{ch: make(chan Event, 64)}
	m.OnEvent(func(ev Event) {
		if ev.Type == EventStatus {
			return
		}
		r.ch <- ev
	})
	return r
}

func (r *eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return Event{}
	}
}

func (r *eventRecorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

func newTestManager(d transport.Dialer, attempts int) *Manager {
	return NewManager(Options{
		Endpoint:    "ws://backend.test/ws",
		Dialer:      d,
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	rec := recordEvents(m)

	m.Connect(context.Background(), "tok")
	m.Connect(context.Background(), "tok")
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected connect event, got %+v", ev)
	}
	m.Connect(context.Background(), "tok")
	rec.none(t, 30*time.Millisecond)

	if d.Calls() != 1 {
		t.Fatalf("expected single dial, got %d", d.Calls())
	}
	if m.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", m.Status())
	}
	m.Disconnect()
}

func TestManager_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	logs := &lockedBuffer{buf: &bytes.Buffer{}}
	d := transport.NewFakeDialer()
	m := NewManager(Options{
		Endpoint:    "ws://backend.test/ws",
		Dialer:      d,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Logger:      slog.New(slog.NewJSONHandler(logs, nil)),
	})
	m.OnEvent(func(Event) { panic("listener bug") })
	rec := recordEvents(m)
	frames := make(chan string, 1)
	m.SetMessageHandler(func(raw []byte) { frames <- string(raw) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Connect(ctx, "")
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected connect event, got %+v", ev)
	}
	sock, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	sock.EmitText(`{"type":"task_update"}`)
	select {
	case <-frames:
	case <-ctx.Done():
		t.Fatal("read loop stopped after listener panic")
	}
	m.Disconnect()
	if ev := rec.next(t); ev.Type != EventDisconnected {
		t.Fatalf("expected disconnect event, got %+v", ev)
	}
	if out := logs.String(); !strings.Contains(out, "connection listener panicked") {
		t.Fatalf("expected panic to be logged, got %s", out)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestManager_RetriesFailedDialWithBackoff(t *testing.T) {
	d := transport.NewFakeDialer()
	d.FailNext(errors.New("refused"), errors.New("refused"))
	m := newTestManager(d, 5)
	rec := recordEvents(m)

	m.Connect(context.Background(), "")
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected connect after retries, got %+v", ev)
	}
	if d.Calls() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", d.Calls())
	}
	m.Disconnect()
}

func TestManager_ExhaustedAttemptsLeaveDisconnected(t *testing.T) {
	d := transport.NewFakeDialer()
	d.FailNext(errors.New("refused"), errors.New("refused"), errors.New("refused"))
	m := newTestManager(d, 3)
	rec := recordEvents(m)

	m.Connect(context.Background(), "")
	ev := rec.next(t)
	if ev.Type != EventExhausted {
		t.Fatalf("expected exhausted event, got %+v", ev)
	}
	if m.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Status())
	}
	if d.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", d.Calls())
	}

	m.Connect(context.Background(), "")
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected manual reconnect to succeed, got %+v", ev)
	}
	m.Disconnect()
}

func TestManager_TransportDropReconnects(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	rec := recordEvents(m)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Connect(context.Background(), "tok")
	first, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial wait failed: %v", err)
	}
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected connect, got %+v", ev)
	}

	first.Drop(errors.New("connection reset"))
	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Reason != ReasonTransport || ev.Status != StatusReconnecting {
		t.Fatalf("expected transport disconnect, got %+v", ev)
	}
	if ev := rec.next(t); ev.Type != EventConnected {
		t.Fatalf("expected reconnect, got %+v", ev)
	}
	if !first.Closed() {
		t.Fatal("expected dropped socket to be closed")
	}
	if creds := d.Credentials(); len(creds) != 2 || creds[1] != "tok" {
		t.Fatalf("expected reconnect with same credential, got %#v", creds)
	}
	m.Disconnect()
}

func TestManager_AuthCloseDoesNotReconnect(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	rec := recordEvents(m)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Connect(context.Background(), "stale")
	sock, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial wait failed: %v", err)
	}
	_ = rec.next(t)

	sock.Drop(fmt.Errorf("%w: token revoked", transport.ErrUnauthorized))
	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Reason != ReasonAuth {
		t.Fatalf("expected auth disconnect, got %+v", ev)
	}
	rec.none(t, 30*time.Millisecond)
	if d.Calls() != 1 {
		t.Fatalf("expected no redial, got %d dials", d.Calls())
	}
	if m.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Status())
	}
}

func TestManager_DialUnauthorizedStopsImmediately(t *testing.T) {
	d := transport.NewFakeDialer()
	d.FailNext(transport.ErrUnauthorized)
	m := newTestManager(d, 5)
	rec := recordEvents(m)

	m.Connect(context.Background(), "stale")
	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Reason != ReasonAuth {
		t.Fatalf("expected auth disconnect, got %+v", ev)
	}
	if d.Calls() != 1 {
		t.Fatalf("expected single dial, got %d", d.Calls())
	}
}

func TestManager_DisconnectIsDeliberate(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	rec := recordEvents(m)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Connect(context.Background(), "")
	sock, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial wait failed: %v", err)
	}
	_ = rec.next(t)

	m.Disconnect()
	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Reason != ReasonClient {
		t.Fatalf("expected client disconnect, got %+v", ev)
	}
	rec.none(t, 30*time.Millisecond)
	if !sock.Closed() {
		t.Fatal("expected socket closed")
	}
	if err := m.Send(ctx, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if d.Calls() != 1 {
		t.Fatalf("expected no reconnect, got %d dials", d.Calls())
	}
}

func TestManager_DeliversFramesInOrderAndSends(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	got := make(chan string, 8)
	m.SetMessageHandler(func(b []byte) { got <- string(b) })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m.Connect(context.Background(), "")
	sock, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial wait failed: %v", err)
	}
	for _, f := range []string{"1", "2", "3"} {
		sock.EmitText(f)
	}
	for _, want := range []string{"1", "2", "3"} {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected %s, got %s", want, v)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for frame")
		}
	}

	if err := m.Send(ctx, []byte(`{"type":"join"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if writes := sock.Writes(); len(writes) != 1 || writes[0] != `{"type":"join"}` {
		t.Fatalf("unexpected writes: %#v", writes)
	}
	m.Disconnect()
}

func TestManager_ParentContextCancelStops(t *testing.T) {
	d := transport.NewFakeDialer()
	m := newTestManager(d, 3)
	rec := recordEvents(m)
	parent, cancel := context.WithCancel(context.Background())

	m.Connect(parent, "")
	_ = rec.next(t)
	cancel()
	ev := rec.next(t)
	if ev.Type != EventDisconnected || ev.Reason != ReasonClient {
		t.Fatalf("expected client disconnect on cancel, got %+v", ev)
	}
	if m.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", m.Status())
	}
}
