package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestFakeSocket_DeliversFramesThenDrop(t *testing.T) {
	sock := NewFakeSocket()
	sock.EmitText("a")
	sock.EmitText("b")
	dropErr := errors.New("reset")
	sock.Drop(dropErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"a", "b"} {
		got, err := sock.ReadText(ctx)
		if err != nil || got != want {
			t.Fatalf("expected %q, got %q err=%v", want, got, err)
		}
	}
	if _, err := sock.ReadText(ctx); !errors.Is(err, dropErr) {
		t.Fatalf("expected drop error, got %v", err)
	}
}

func TestFakeSocket_CloseEndsReadsAndWrites(t *testing.T) {
	sock := NewFakeSocket()
	_ = sock.Close()
	if _, err := sock.ReadText(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := sock.WriteText(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFakeDialer_QueuedErrorsThenSocket(t *testing.T) {
	d := NewFakeDialer()
	boom := errors.New("refused")
	d.FailNext(boom)

	if _, err := d.Dial(context.Background(), "ws://x", "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected queued error, got %v", err)
	}
	if _, err := d.Dial(context.Background(), "ws://x", "c2"); err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Next(ctx); err != nil {
		t.Fatalf("expected dialed socket: %v", err)
	}
	if d.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", d.Calls())
	}
	if creds := d.Credentials(); creds[0] != "c1" || creds[1] != "c2" {
		t.Fatalf("unexpected credentials: %#v", creds)
	}
}

func TestFakeSocket_OnWriteSeesEachWrite(t *testing.T) {
	sock := NewFakeSocket()
	var seen []string
	sock.OnWrite(func(text string) {
		seen = append(seen, text)
		sock.EmitText("echo:" + text)
	})
	if err := sock.WriteText(context.Background(), "join"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "join" {
		t.Fatalf("unexpected hook calls: %v", seen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got, err := sock.ReadText(ctx); err != nil || got != "echo:join" {
		t.Fatalf("expected echoed frame, got %q err=%v", got, err)
	}
}
