package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"flowwatch/internal/conn"
	"flowwatch/internal/protocol"
	"flowwatch/internal/transport"
)

type fakeChannel struct {
	mu       sync.Mutex
	status   conn.Status
	sent     []protocol.ControlMessage
	sendErr  error
	listener conn.Listener
}

func (c *fakeChannel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	var msg protocol.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Status() conn.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeChannel) OnEvent(fn conn.Listener) func() {
	c.listener = fn
	return func() { c.listener = nil }
}

func (c *fakeChannel) fire(ev conn.Event) {
	c.mu.Lock()
	if ev.Type == conn.EventConnected {
		c.status = conn.StatusConnected
	} else {
		c.status = conn.StatusDisconnected
	}
	c.mu.Unlock()
	c.listener(ev)
}

func (c *fakeChannel) count(typ, taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Type == typ && m.TaskID == taskID {
			n++
		}
	}
	return n
}

func TestRegistry_RefCountingSendsSingleJoinAndLeave(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		ch := &fakeChannel{status: conn.StatusConnected}
		r := NewRegistry(ch, nil)
		for i := 0; i < n; i++ {
			r.Subscribe("T1")
		}
		if r.RefCount("T1") != n {
			t.Fatalf("n=%d: expected refcount %d, got %d", n, n, r.RefCount("T1"))
		}
		for i := 0; i < n; i++ {
			r.Unsubscribe("T1")
		}
		if got := ch.count(protocol.TypeJoin, "T1"); got != 1 {
			t.Fatalf("n=%d: expected 1 join, got %d", n, got)
		}
		if got := ch.count(protocol.TypeLeave, "T1"); got != 1 {
			t.Fatalf("n=%d: expected 1 leave, got %d", n, got)
		}
		if len(r.Active()) != 0 {
			t.Fatalf("n=%d: expected no active subscriptions, got %#v", n, r.Active())
		}
	}
}

func TestRegistry_InterleavedSubscribersShareOneStream(t *testing.T) {
	ch := &fakeChannel{status: conn.StatusConnected}
	r := NewRegistry(ch, nil)

	r.Subscribe("T1")
	r.Subscribe("T2")
	r.Subscribe("T1")
	r.Unsubscribe("T1")
	r.Unsubscribe("T2")
	r.Subscribe("T1")
	r.Unsubscribe("T1")
	r.Unsubscribe("T1")
	r.Unsubscribe("T1")

	if ch.count(protocol.TypeJoin, "T1") != 1 || ch.count(protocol.TypeLeave, "T1") != 1 {
		t.Fatalf("unexpected T1 traffic: %+v", ch.sent)
	}
	if ch.count(protocol.TypeJoin, "T2") != 1 || ch.count(protocol.TypeLeave, "T2") != 1 {
		t.Fatalf("unexpected T2 traffic: %+v", ch.sent)
	}
}

func TestRegistry_DefersJoinUntilConnected(t *testing.T) {
	ch := &fakeChannel{status: conn.StatusConnecting}
	r := NewRegistry(ch, nil)

	r.Subscribe("T1")
	r.Subscribe("T1")
	r.Subscribe("T2")
	if len(ch.sent) != 0 {
		t.Fatalf("expected no sends before connect, got %+v", ch.sent)
	}

	ch.fire(conn.Event{Type: conn.EventConnected})
	if ch.count(protocol.TypeJoin, "T1") != 1 || ch.count(protocol.TypeJoin, "T2") != 1 {
		t.Fatalf("expected one deferred join per task, got %+v", ch.sent)
	}
}

func TestRegistry_LeaveFailureIsSwallowed(t *testing.T) {
	ch := &fakeChannel{status: conn.StatusConnected}
	r := NewRegistry(ch, nil)
	r.Subscribe("T1")

	ch.mu.Lock()
	ch.sendErr = errors.New("broken pipe")
	ch.mu.Unlock()
	r.Unsubscribe("T1")

	if r.RefCount("T1") != 0 {
		t.Fatalf("expected subscription removed, got refcount %d", r.RefCount("T1"))
	}
}

func TestRegistry_UnsubscribeUnknownIsNoop(t *testing.T) {
	ch := &fakeChannel{status: conn.StatusConnected}
	r := NewRegistry(ch, nil)
	r.Unsubscribe("nope")
	r.Unsubscribe("")
	r.Subscribe("  ")
	if len(ch.sent) != 0 {
		t.Fatalf("expected no traffic, got %+v", ch.sent)
	}
}

func TestRegistry_ReconnectResubscribesOnlyActiveTasks(t *testing.T) {
	ch := &fakeChannel{status: conn.StatusConnected}
	r := NewRegistry(ch, nil)
	r.Subscribe("T1")
	r.Subscribe("T2")
	r.Subscribe("T2")

	ch.fire(conn.Event{Type: conn.EventDisconnected, Reason: conn.ReasonTransport})
	r.Unsubscribe("T1")
	r.Unsubscribe("T2")
	r.Subscribe("T3")
	ch.fire(conn.Event{Type: conn.EventConnected})

	if got := ch.count(protocol.TypeJoin, "T1"); got != 1 {
		t.Fatalf("expected disposed T1 not rejoined, got %d joins", got)
	}
	if got := ch.count(protocol.TypeLeave, "T1"); got != 0 {
		t.Fatalf("expected no leave while offline, got %d", got)
	}
	if got := ch.count(protocol.TypeJoin, "T2"); got != 2 {
		t.Fatalf("expected T2 rejoined exactly once, got %d joins total", got)
	}
	if got := ch.count(protocol.TypeJoin, "T3"); got != 1 {
		t.Fatalf("expected deferred T3 join, got %d", got)
	}
}

func TestRegistry_ReconnectOverRealManager(t *testing.T) {
	d := transport.NewFakeDialer()
	m := conn.NewManager(conn.Options{
		Endpoint:    "ws://backend.test/ws",
		Dialer:      d,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	r := NewRegistry(m, nil)
	defer r.Close()
	r.Subscribe("T1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Connect(context.Background(), "")
	first, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("dial wait failed: %v", err)
	}
	waitWrites(t, first, 1)

	first.Drop(errors.New("reset"))
	second, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("redial wait failed: %v", err)
	}
	writes := waitWrites(t, second, 1)
	var msg protocol.ControlMessage
	if err := json.Unmarshal([]byte(writes[0]), &msg); err != nil {
		t.Fatalf("decode write failed: %v", err)
	}
	if msg.Type != protocol.TypeJoin || msg.TaskID != "T1" {
		t.Fatalf("expected rejoin of T1, got %+v", msg)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(second.Writes()); n != 1 {
		t.Fatalf("expected exactly one rejoin, got %d writes", n)
	}
	m.Disconnect()
}

func waitWrites(t *testing.T, sock *transport.FakeSocket, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := sock.Writes(); len(w) >= n {
			return w
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, got %d", n, len(sock.Writes()))
	return nil
}
