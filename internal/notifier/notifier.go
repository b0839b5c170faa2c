package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/internal/policy"
	"github.com/nkkko/storepulse/internal/router"
	"github.com/nkkko/storepulse/internal/telemetry"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Protocol names the transport behind a connection
type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolPolling   Protocol = "polling"
)

var (
	// ErrClosed is returned once the notifier has shut down
	ErrClosed = errors.New("notifier: shut down")

	// ErrCapacity is returned when MaxConnections is reached
	ErrCapacity = errors.New("notifier: connection limit reached")

	// ErrUnknownConnection is returned for IDs that are not registered
	ErrUnknownConnection = errors.New("notifier: unknown connection")

	// ErrConnectionClosed is returned when a connection went away mid-operation
	ErrConnectionClosed = errors.New("notifier: connection closed")
)

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames on WebSocket connections
	HeartbeatInterval time.Duration

	// Time a new WebSocket has to present its handshake frame
	HandshakeTimeout time.Duration

	// Deadline for a single frame write
	WriteTimeout time.Duration

	// Capacity of each connection's outbound queue
	SendBufferSize int

	// Maximum number of simultaneous connections, pending included
	MaxConnections int

	// Upper bound on how long a single poll request may wait
	MaxPollWait time.Duration

	// Maximum frames returned by one poll request
	MaxPollBatch int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:       60 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBufferSize:    64,
		MaxConnections:    10000,
		MaxPollWait:       25 * time.Second,
		MaxPollBatch:      100,
	}
}

// Connection is one client session on either transport
type Connection struct {
	ID       string
	Protocol Protocol
	Created  time.Time

	identity   atomic.Pointer[auth.Identity]
	lastActive atomic.Int64
	out        *outbox

	onClose   func()
	onReject  func(*proto.Frame)
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, protocol Protocol, bufferSize int) *Connection {
	c := &Connection{
		ID:       id,
		Protocol: protocol,
		Created:  time.Now(),
		out:      newOutbox(bufferSize),
		done:     make(chan struct{}),
	}
	c.Touch()
	return c
}

// Identity returns the authenticated principal, or nil while pending
func (c *Connection) Identity() *auth.Identity {
	return c.identity.Load()
}

// Authenticated reports whether the connection passed its handshake
func (c *Connection) Authenticated() bool {
	return c.identity.Load() != nil
}

// Touch records client activity
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last client activity
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Done is closed once the connection has been removed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) reject(frame *proto.Frame) {
	if c.onReject != nil {
		c.onReject(frame)
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Option configures optional collaborators of the notifier
type Option func(*Notifier)

// WithRecorder journals every published event
func WithRecorder(r Recorder) Option {
	return func(n *Notifier) {
		n.recorder = r
	}
}

// WithRelay forwards every locally published event to peer instances
func WithRelay(r Relay) Option {
	return func(n *Notifier) {
		n.relay = r
	}
}

// Notifier is the event broadcaster. A single loop goroutine owns the
// connection set and the routing index; every mutation and every fan-out is
// a command executed on that loop, so delivery order per connection matches
// Publish call order.
type Notifier struct {
	config    Config
	validator auth.Validator
	recorder  Recorder
	relay     Relay
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	// Owned by the loop goroutine
	conns   map[string]*Connection
	index   *router.Index
	pending int

	dropped atomic.Uint64

	cmds         chan func()
	quit         chan struct{}
	stopped      chan struct{}
	shutdownOnce sync.Once
}

// NewNotifier creates a broadcaster and starts its loop
func NewNotifier(config Config, validator auth.Validator, opts ...Option) *Notifier {
	logger := log.With().Str("component", "notifier").Logger()

	// Apply default configuration values if not provided
	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.SendBufferSize == 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = defaults.MaxConnections
	}
	if config.MaxPollWait == 0 {
		config.MaxPollWait = defaults.MaxPollWait
	}
	if config.MaxPollBatch == 0 {
		config.MaxPollBatch = defaults.MaxPollBatch
	}

	n := &Notifier{
		config:    config,
		validator: validator,
		logger:    logger,
		metrics:   metrics.GetMetrics(),
		conns:     make(map[string]*Connection),
		index:     router.NewIndex(),
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	go n.run()
	return n
}

// run is the loop goroutine
func (n *Notifier) run() {
	defer close(n.stopped)

	for {
		select {
		case cmd := <-n.cmds:
			cmd()
		case <-n.quit:
			closed := len(n.conns)
			for id := range n.conns {
				n.remove(id, "shutdown")
			}
			n.logger.Info().Int("closed_connections", closed).Msg("All connections closed")
			return
		}
	}
}

// exec runs fn on the loop goroutine and waits for it to complete
func (n *Notifier) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case n.cmds <- cmd:
	case <-n.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// An accepted command always runs
	<-done
	return nil
}

// Start launches the heartbeat and idle cleanup goroutines
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().
		Dur("heartbeat_interval", n.config.HeartbeatInterval).
		Dur("max_idle_time", n.config.MaxIdleTime).
		Msg("Starting event notifier")

	go n.cleanupIdleConnections(ctx)
	go n.sendHeartbeats(ctx)

	return nil
}

// Register adds a pending connection. onClose is invoked once when the
// connection is removed and should tear down the transport.
func (n *Notifier) Register(protocol Protocol, onClose func()) (*Connection, error) {
	return n.register(protocol, onClose, nil)
}

func (n *Notifier) register(protocol Protocol, onClose func(), onReject func(*proto.Frame)) (*Connection, error) {
	c := newConnection(generateID(), protocol, n.config.SendBufferSize)
	c.onClose = onClose
	c.onReject = onReject

	var full bool
	if err := n.exec(context.Background(), func() {
		if len(n.conns) >= n.config.MaxConnections {
			full = true
			return
		}
		n.conns[c.ID] = c
		n.pending++
		n.metrics.NotifierConnectionsPending.Inc()
	}); err != nil {
		return nil, err
	}

	if full {
		n.metrics.NotifierConnectionsRejected.WithLabelValues("capacity").Inc()
		n.logger.Warn().
			Int("max_connections", n.config.MaxConnections).
			Str("protocol", string(protocol)).
			Msg("Connection limit reached, refusing connection")
		return nil, ErrCapacity
	}
	return c, nil
}

// Authenticate validates token and, on success, makes the connection
// eligible for events. On failure the transport is closed immediately, the
// connection is removed and an *auth.Error is returned.
func (n *Notifier) Authenticate(ctx context.Context, c *Connection, token string) (*Connection, error) {
	ctx, span := telemetry.StartSpan(ctx, "notifier.Authenticate", trace.WithAttributes(
		attribute.String("connection.id", c.ID),
		attribute.String("connection.protocol", string(c.Protocol)),
	))
	defer span.End()

	identity, err := n.validator.Validate(ctx, token)
	if err != nil {
		authErr := asAuthError(err)
		telemetry.MarkSpanError(ctx, authErr)

		n.logger.Info().
			Str("connection_id", c.ID).
			Str("reason", string(authErr.Reason)).
			Msg("Connection failed authentication")

		c.reject(proto.ErrorFrame(proto.ErrCodeUnauthorized, "authentication failed: "+string(authErr.Reason)))
		n.disconnect(c.ID, "unauthorized")
		return nil, authErr
	}

	var gone bool
	if err := n.exec(ctx, func() {
		if _, ok := n.conns[c.ID]; !ok {
			gone = true
			return
		}
		if c.identity.Swap(identity) == nil {
			n.pending--
			n.metrics.NotifierConnectionsPending.Dec()
			n.metrics.NotifierConnectionsActive.WithLabelValues(string(c.Protocol)).Inc()
		}
		n.index.Add(router.Member{ConnID: c.ID, UserID: identity.UserID, Role: identity.Role})
	}); err != nil {
		return nil, err
	}
	if gone {
		return nil, ErrConnectionClosed
	}

	c.Touch()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("user.id", identity.UserID),
		attribute.String("user.role", string(identity.Role)),
	)
	n.logger.Debug().
		Str("connection_id", c.ID).
		Str("user_id", identity.UserID).
		Str("role", string(identity.Role)).
		Str("protocol", string(c.Protocol)).
		Msg("Connection authenticated")

	return c, nil
}

func asAuthError(err error) *auth.Error {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return &auth.Error{Reason: auth.ReasonRejected, Err: err}
}

// Publish validates an event, journals it, relays it to peers and fans it
// out to every eligible connection. Missing IDs and timestamps are assigned
// here. Publish never waits on receivers; only malformed events and
// shutdown produce an error.
func (n *Notifier) Publish(ctx context.Context, event *proto.Event) error {
	rule, err := policy.Validate(event)
	if err != nil {
		return err
	}
	if event.Id == "" {
		event.Id = generateID()
	}
	if event.Ts == nil {
		event.Ts = timestamppb.Now()
	}

	ctx, span := telemetry.StartSpan(ctx, "notifier.Publish", trace.WithAttributes(
		attribute.String("event.id", event.Id),
		attribute.String("event.kind", string(event.Kind)),
	))
	defer span.End()

	if n.recorder != nil {
		if err := n.recorder.Record(ctx, event); err != nil {
			n.logger.Warn().Err(err).Str("event_id", event.Id).Msg("Failed to record event")
		}
	}

	if n.relay != nil {
		if err := n.relay.Relay(ctx, event); err != nil {
			n.logger.Warn().Err(err).Str("event_id", event.Id).Msg("Failed to relay event")
		}
	}

	if err := n.fanout(ctx, event, rule); err != nil {
		telemetry.MarkSpanError(ctx, err)
		return err
	}
	return nil
}

// Deliver fans out an event that was already published elsewhere, without
// journaling or relaying it again
func (n *Notifier) Deliver(ctx context.Context, event *proto.Event) error {
	rule, err := policy.Validate(event)
	if err != nil {
		return err
	}
	return n.fanout(ctx, event, rule)
}

// OnDisconnect removes a connection. It is safe to call more than once.
func (n *Notifier) OnDisconnect(connID string) {
	n.disconnect(connID, "closed")
}

func (n *Notifier) disconnect(connID, reason string) {
	// After shutdown every connection is already gone
	_ = n.exec(context.Background(), func() {
		n.remove(connID, reason)
	})
}

// remove must run on the loop goroutine
func (n *Notifier) remove(connID, reason string) {
	c, ok := n.conns[connID]
	if !ok {
		return
	}

	delete(n.conns, connID)
	if n.index.Remove(connID) {
		n.metrics.NotifierConnectionsActive.WithLabelValues(string(c.Protocol)).Dec()
	} else {
		n.pending--
		n.metrics.NotifierConnectionsPending.Dec()
	}
	n.metrics.NotifierDisconnects.WithLabelValues(reason).Inc()

	c.close()

	n.logger.Debug().
		Str("connection_id", connID).
		Str("reason", reason).
		Msg("Connection removed")
}

// Stats returns a snapshot of the connection set
func (n *Notifier) Stats(ctx context.Context) (*proto.ConnectionStats, error) {
	stats := &proto.ConnectionStats{
		ByProtocol: make(map[string]int),
	}

	if err := n.exec(ctx, func() {
		stats.Total = len(n.conns)
		stats.Pending = n.pending
		stats.ByRole = n.index.CountByRole()
		for _, c := range n.conns {
			if c.Authenticated() {
				stats.ByProtocol[string(c.Protocol)]++
			}
		}
	}); err != nil {
		return nil, err
	}

	stats.DroppedEvents = n.dropped.Load()
	return stats, nil
}

// cleanupIdleConnections periodically removes idle connections
func (n *Notifier) cleanupIdleConnections(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performCleanup(ctx)
		case <-ctx.Done():
			return
		case <-n.quit:
			return
		}
	}
}

// performCleanup removes connections that have been idle for too long
func (n *Notifier) performCleanup(ctx context.Context) {
	now := time.Now()

	_ = n.exec(ctx, func() {
		for id, c := range n.conns {
			if now.Sub(c.LastActive()) > n.config.MaxIdleTime {
				n.remove(id, "idle")
				n.logger.Debug().Str("connection_id", id).Msg("Removed idle connection")
			}
		}
	})
}

// sendHeartbeats periodically queues heartbeat frames on WebSocket
// connections. Polling clients learn liveness from the poll itself.
func (n *Notifier) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	heartbeat := mustEncode(&proto.Frame{Type: proto.FrameHeartbeat})

	for {
		select {
		case <-ticker.C:
			_ = n.exec(ctx, func() {
				for _, c := range n.conns {
					if c.Protocol == ProtocolWebSocket && c.Authenticated() {
						// Skip when the queue is full
						c.out.push(heartbeat)
					}
				}
			})
		case <-ctx.Done():
			return
		case <-n.quit:
			return
		}
	}
}

// Shutdown closes every connection and stops the loop
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	n.shutdownOnce.Do(func() {
		close(n.quit)
	})

	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Variable for generating unique connection IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
