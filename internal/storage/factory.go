package storage

import (
	"context"
	"fmt"

	"github.com/nkkko/storepulse/internal/storage/badger"
	"github.com/nkkko/storepulse/pkg/proto"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage journals events on disk
	BadgerStorage StorageType = "badger"

	// MemoryStorage journals events in an in-memory Badger instance
	MemoryStorage StorageType = "memory"

	// NoStorage disables the journal
	NoStorage StorageType = "none"
)

// ErrInvalidCursor is returned by ListEvents for cursors it did not produce
var ErrInvalidCursor = badger.ErrInvalidCursor

// NewStorage creates the journal selected by config.Type
func NewStorage(config Config) (Storage, error) {
	defaults := DefaultConfig()
	if config.Type == "" {
		config.Type = defaults.Type
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}

	switch config.Type {
	case BadgerStorage, MemoryStorage:
		return badger.NewStorage(badger.Config{
			DataDir:    config.DataDir,
			InMemory:   config.Type == MemoryStorage,
			Retention:  config.Retention,
			GCInterval: config.GCInterval,
			SyncWrites: config.SyncWrites,
		})

	case NoStorage:
		return nopStorage{}, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}

// nopStorage discards every event
type nopStorage struct{}

func (nopStorage) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (nopStorage) Shutdown(ctx context.Context) error {
	return nil
}

func (nopStorage) Record(ctx context.Context, event *proto.Event) error {
	return nil
}

func (nopStorage) ListEvents(ctx context.Context, limit int, cursor string) ([]*proto.Event, string, error) {
	return []*proto.Event{}, "", nil
}
