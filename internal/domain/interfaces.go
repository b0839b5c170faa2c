package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/pkg/proto"
)

// Broadcaster defines what the HTTP hosts need from the event broadcaster
type Broadcaster interface {
	// ServeSocket runs a WebSocket session until the peer goes away
	ServeSocket(ctx context.Context, ws notifier.FrameConn) error

	// Long-polling sessions
	OpenPoll(ctx context.Context, token string) (*notifier.Connection, error)
	Poll(ctx context.Context, connID string, wait time.Duration) ([]json.RawMessage, error)
	ClosePoll(connID string)

	// Publish fans an event out to every eligible connection
	Publish(ctx context.Context, event *proto.Event) error

	// Stats summarizes the live connection set
	Stats(ctx context.Context) (*proto.ConnectionStats, error)
}

// EventJournal defines read access to recently published events
type EventJournal interface {
	ListEvents(ctx context.Context, limit int, cursor string) ([]*proto.Event, string, error)
}

// Services bundles the dependencies of an API host
type Services struct {
	Broadcaster Broadcaster
	Journal     EventJournal
	Validator   auth.Validator
}

// APIEngine defines the interface for HTTP host implementations
type APIEngine interface {
	// Start serves until ctx is canceled
	Start(ctx context.Context) error

	// Shutdown stops accepting requests
	Shutdown(ctx context.Context) error
}
