package transport

import (
	"context"
	"io"
	"sync"
)

type fakeFrame struct {
	text string
	err  error
}

// FakeSocket is an in-memory Socket. Frames and drops are delivered in the order
// they were queued.
type FakeSocket struct {
	mu       sync.Mutex
	frames   chan fakeFrame
	done     chan struct{}
	closed   bool
	writes   []string
	writeErr error
	onWrite  func(text string)
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		frames: make(chan fakeFrame, 64),
		done:   make(chan struct{}),
	}
}

func (f *FakeSocket) EmitText(text string) {
	f.frames <- fakeFrame{text: text}
}

// Drop makes the next read after all queued frames fail with err.
func (f *FakeSocket) Drop(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	f.frames <- fakeFrame{err: err}
}

func (f *FakeSocket) FailWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// OnWrite runs fn after every successful write, outside the socket lock.
func (f *FakeSocket) OnWrite(fn func(text string)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

func (f *FakeSocket) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *FakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-f.done:
		return "", io.EOF
	case fr := <-f.frames:
		if fr.err != nil {
			return "", fr.err
		}
		return fr.text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, text)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	return nil
}

func (f *FakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	return nil
}

// FakeDialer hands out a fresh FakeSocket per Dial unless a queued error is pending.
type FakeDialer struct {
	mu          sync.Mutex
	errs        []error
	sockets     []*FakeSocket
	credentials []string
	dialed      chan *FakeSocket
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{dialed: make(chan *FakeSocket, 16)}
}

func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(ctx context.Context, endpoint, credential string) (Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.credentials = append(d.credentials, credential)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	sock := NewFakeSocket()
	d.sockets = append(d.sockets, sock)
	d.mu.Unlock()
	select {
	case d.dialed <- sock:
	default:
	}
	return sock, nil
}

// Next waits for the next successfully dialed socket.
func (d *FakeDialer) Next(ctx context.Context) (*FakeSocket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sock := <-d.dialed:
		return sock, nil
	}
}

func (d *FakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.credentials)
}

func (d *FakeDialer) Credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.credentials))
	copy(out, d.credentials)
	return out
}
