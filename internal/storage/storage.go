// Package storage defines the event journal: a short-lived, write-mostly log
// of published events that backs the admin diagnostics feed. It is never used
// to redeliver events to clients.
package storage

import (
	"context"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
)

// Storage is implemented by every journal backend
type Storage interface {
	// Start runs background maintenance until ctx is canceled
	Start(ctx context.Context) error

	// Shutdown flushes and closes the journal
	Shutdown(ctx context.Context) error

	// Record appends a published event
	Record(ctx context.Context, event *proto.Event) error

	// ListEvents returns up to limit events, newest first, starting at cursor.
	// The returned cursor is empty when there are no more events.
	ListEvents(ctx context.Context, limit int, cursor string) ([]*proto.Event, string, error)
}

// Config contains storage configuration
type Config struct {
	// Backend to use
	Type StorageType

	// Base directory for data files
	DataDir string

	// How long events are kept
	Retention time.Duration

	// Value log garbage collection interval
	GCInterval time.Duration

	// Whether every write is synced to disk
	SyncWrites bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Type:       BadgerStorage,
		DataDir:    "./data",
		Retention:  24 * time.Hour,
		GCInterval: 10 * time.Minute,
		SyncWrites: false,
	}
}
