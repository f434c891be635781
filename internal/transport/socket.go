package transport

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Socket, error)
}

var (
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrClosed       = errors.New("transport: socket closed")
)

const (
	StatusAuthRequired websocket.StatusCode = 4001
	StatusAuthRevoked  websocket.StatusCode = 4003
)

// IsAuthClose reports whether err means the server revoked the session.
// Reconnecting with the same credential is pointless after such a close.
func IsAuthClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, StatusAuthRequired, StatusAuthRevoked:
		return true
	default:
		return false
	}
}
