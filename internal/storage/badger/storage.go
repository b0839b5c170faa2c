package badger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Prefix for journaled events, followed by the big-endian publish time
	// in nanoseconds and the event ID
	prefixEvents = "ev:"

	defaultListLimit = 50
	maxListLimit     = 1000
)

// ErrInvalidCursor is returned for cursors not produced by ListEvents
var ErrInvalidCursor = errors.New("invalid cursor")

// Config contains journal configuration
type Config struct {
	// Base directory for data files, ignored in memory
	DataDir string

	// Keep everything in memory
	InMemory bool

	// How long events are kept
	Retention time.Duration

	// Value log garbage collection interval
	GCInterval time.Duration

	// Whether every write is synced to disk
	SyncWrites bool
}

// DefaultConfig returns a default configuration for the Badger journal
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		Retention:  24 * time.Hour,
		GCInterval: 10 * time.Minute,
	}
}

// Storage is an event journal backed by Badger
type Storage struct {
	config    Config
	db        *badger.DB
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	closeOnce sync.Once
}

// NewStorage opens the journal
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	// Apply default configuration values if not provided
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if config.DataDir == "" && !config.InMemory {
		config.DataDir = DefaultConfig().DataDir
	}

	if !config.InMemory {
		// Ensure data directory exists
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := badger.Open(badgerOptions(config, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Dur("retention", config.Retention).
		Msg("Event journal opened")

	return &Storage{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Start runs garbage collection and size reporting until ctx is canceled
func (s *Storage) Start(ctx context.Context) error {
	go s.collectMetrics(ctx)

	if !s.config.InMemory {
		go s.runPeriodicGC(ctx)
	}

	<-ctx.Done()
	return nil
}

// Shutdown closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if closeErr := s.db.Close(); closeErr != nil {
			s.logger.Error().Err(closeErr).Msg("Error closing Badger database")
			err = closeErr
		}
	})
	return err
}

// Record appends an event with the configured retention as TTL
func (s *Storage) Record(ctx context.Context, event *proto.Event) error {
	timer := prometheus.NewTimer(s.metrics.JournalWriteDuration)
	defer timer.ObserveDuration()

	data, err := json.Marshal(event)
	if err != nil {
		s.metrics.JournalWritesTotal.WithLabelValues("false").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ts := time.Now()
	if event.Ts != nil {
		ts = event.Ts.AsTime()
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(eventKey(ts, event.Id), data).WithTTL(s.config.Retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		s.metrics.JournalWritesTotal.WithLabelValues("false").Inc()
		return fmt.Errorf("failed to store event: %w", err)
	}

	s.metrics.JournalWritesTotal.WithLabelValues("true").Inc()
	return nil
}

// ListEvents returns journaled events, newest first
func (s *Storage) ListEvents(ctx context.Context, limit int, cursor string) ([]*proto.Event, string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	prefix := []byte(prefixEvents)

	// Reverse iteration starts at the greatest key not above seek
	seek := make([]byte, len(prefix)+9)
	copy(seek, prefix)
	for i := len(prefix); i < len(seek); i++ {
		seek[i] = 0xFF
	}
	if cursor != "" {
		decoded, err := hex.DecodeString(cursor)
		if err != nil || len(decoded) < len(prefix)+8 || string(decoded[:len(prefix)]) != prefixEvents {
			return nil, "", ErrInvalidCursor
		}
		seek = decoded
	}

	events := make([]*proto.Event, 0, limit)
	var nextCursor string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			if len(events) == limit {
				nextCursor = hex.EncodeToString(item.KeyCopy(nil))
				return nil
			}

			err := item.Value(func(val []byte) error {
				var event proto.Event
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}
				events = append(events, &event)
				return nil
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to decode journaled event")
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list events: %w", err)
	}

	return events, nextCursor, nil
}

// eventKey orders events by publish time, ties broken by ID
func eventKey(ts time.Time, id string) []byte {
	key := make([]byte, len(prefixEvents)+8+len(id))
	copy(key, prefixEvents)
	binary.BigEndian.PutUint64(key[len(prefixEvents):], uint64(ts.UnixNano()))
	copy(key[len(prefixEvents)+8:], id)
	return key
}

// collectMetrics periodically reports the journal size
func (s *Storage) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			s.metrics.JournalSize.Set(float64(lsm + vlog))
		case <-ctx.Done():
			return
		}
	}
}

// runPeriodicGC reclaims value log space left behind by expired events
func (s *Storage) runPeriodicGC(ctx context.Context) {
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil {
				if errors.Is(err, badger.ErrNoRewrite) {
					// No rewrite needed, this is normal
					s.logger.Debug().Msg("No garbage collection needed")
				} else {
					s.logger.Error().Err(err).Msg("Error during garbage collection")
				}
			} else {
				s.logger.Info().Msg("Garbage collection completed")
			}
		case <-ctx.Done():
			return
		}
	}
}
