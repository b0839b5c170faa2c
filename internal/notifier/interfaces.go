package notifier

import (
	"context"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
)

// FrameConn is the subset of a WebSocket connection the broadcaster needs.
// Both gorilla/websocket and gofiber/websocket connections satisfy it.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Recorder persists published events for diagnostics
type Recorder interface {
	Record(ctx context.Context, event *proto.Event) error
}

// Relay forwards locally published events to peer instances
type Relay interface {
	Relay(ctx context.Context, event *proto.Event) error
}
