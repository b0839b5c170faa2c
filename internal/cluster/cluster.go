// Package cluster relays published events between broadcaster instances
// over NATS core pub/sub. Delivery is best effort: a node that is down or
// disconnected from NATS misses the events published meanwhile.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix is the subject root events are published under
const DefaultSubjectPrefix = "storepulse.events"

// Config contains cluster bridge configuration
type Config struct {
	// NATS server URL; empty disables the bridge
	URL string

	// Identifies this node in relayed envelopes
	NodeID string

	// Subject root, events go to <prefix>.<kind>
	SubjectPrefix string

	// Connection timeout
	ConnectTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:  DefaultSubjectPrefix,
		ConnectTimeout: 5 * time.Second,
	}
}

// Deliverer fans out an event received from a peer
type Deliverer interface {
	Deliver(ctx context.Context, event *proto.Event) error
}

// envelope is the wire format on NATS
type envelope struct {
	Origin string       `json:"origin"`
	Event  *proto.Event `json:"event"`
}

// Bridge publishes local events to NATS and delivers peer events locally
type Bridge struct {
	config  Config
	nc      *nats.Conn
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newBridge(config Config) *Bridge {
	defaults := DefaultConfig()
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}

	return &Bridge{
		config:  config,
		logger:  log.With().Str("component", "cluster").Str("node_id", config.NodeID).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Connect dials NATS. The connection reconnects on its own for the life of
// the bridge.
func Connect(config Config) (*Bridge, error) {
	if config.URL == "" {
		return nil, errors.New("cluster: nats url is required")
	}
	if config.NodeID == "" {
		return nil, errors.New("cluster: node id is required")
	}

	b := newBridge(config)

	nc, err := nats.Connect(config.URL,
		nats.Name("storepulse-"+config.NodeID),
		nats.Timeout(b.config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc

	b.logger.Info().Str("url", config.URL).Msg("Connected to NATS")
	return b, nil
}

// Relay publishes a locally published event to peers
func (b *Bridge) Relay(ctx context.Context, event *proto.Event) error {
	data, err := encode(b.config.NodeID, event)
	if err != nil {
		b.metrics.ClusterRelaysTotal.WithLabelValues("out", "false").Inc()
		return err
	}

	if err := b.nc.Publish(b.subject(event.Kind), data); err != nil {
		b.metrics.ClusterRelaysTotal.WithLabelValues("out", "false").Inc()
		return fmt.Errorf("nats publish %s: %w", event.Kind, err)
	}

	b.metrics.ClusterRelaysTotal.WithLabelValues("out", "true").Inc()
	return nil
}

// Start subscribes to peer events and hands them to sink until ctx is
// canceled
func (b *Bridge) Start(ctx context.Context, sink Deliverer) error {
	sub, err := b.nc.Subscribe(b.config.SubjectPrefix+".>", func(msg *nats.Msg) {
		b.handle(ctx, sink, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	return nil
}

// Shutdown drains pending publishes and closes the connection
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// handle delivers a peer event, skipping events this node published
func (b *Bridge) handle(ctx context.Context, sink Deliverer, data []byte) {
	origin, event, err := decode(data)
	if err != nil {
		b.metrics.ClusterRelaysTotal.WithLabelValues("in", "false").Inc()
		b.logger.Warn().Err(err).Msg("Dropping undecodable cluster message")
		return
	}
	if origin == b.config.NodeID {
		return
	}

	if err := sink.Deliver(ctx, event); err != nil {
		b.metrics.ClusterRelaysTotal.WithLabelValues("in", "false").Inc()
		b.logger.Warn().Err(err).Str("origin", origin).Str("event_id", event.Id).Msg("Failed to deliver peer event")
		return
	}
	b.metrics.ClusterRelaysTotal.WithLabelValues("in", "true").Inc()
}

func (b *Bridge) subject(kind proto.EventKind) string {
	return b.config.SubjectPrefix + "." + string(kind)
}

func encode(origin string, event *proto.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: origin, Event: event})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (string, *proto.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == nil {
		return "", nil, errors.New("decode envelope: missing event")
	}
	return env.Origin, env.Event, nil
}
