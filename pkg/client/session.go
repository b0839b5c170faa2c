package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
)

// State is the connection state of a Client
type State int

const (
	// StateIdle means no session is active
	StateIdle State = iota

	// StateConnecting means the first attempt round of a session is running
	StateConnecting

	// StateConnected means a transport is established and events flow
	StateConnected

	// StateReconnecting means the transport dropped and bounded retries run
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LifecycleKind names a lifecycle notification
type LifecycleKind string

const (
	LifecycleConnect      LifecycleKind = "connect"
	LifecycleDisconnect   LifecycleKind = "disconnect"
	LifecycleConnectError LifecycleKind = "connect_error"
)

// LifecycleEvent describes a connection state change
type LifecycleEvent struct {
	Kind         LifecycleKind
	Transport    Transport
	ConnectionID string
	Role         proto.Role
	Err          error
}

// item is a unit of work for the delivery goroutine: an event or a
// lifecycle notification
type item struct {
	event     *proto.Event
	lifecycle *LifecycleEvent
}

// outcome is the result of one attempt round: the first connection of a
// session, or a reconnection after a drop
type outcome struct {
	ready chan struct{}
	once  sync.Once
	err   error
}

func newOutcome() *outcome {
	return &outcome{ready: make(chan struct{})}
}

func (o *outcome) settle(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.ready)
	})
}

func (o *outcome) settled() bool {
	select {
	case <-o.ready:
		return true
	default:
		return false
	}
}

// session is one logical connection: it starts with Connect and spans every
// reconnection until Disconnect, a terminal rejection, or retry exhaustion
type session struct {
	token  string
	ctx    context.Context
	cancel context.CancelFunc

	// round is the outcome Connect callers wait on. It is replaced when a
	// drop starts a new attempt round.
	roundMu sync.Mutex
	round   *outcome

	// delivery queue, closed by the supervisor when it exits
	queue chan item

	// closed when the supervisor exits
	done chan struct{}

	// transport that is currently up, nil otherwise
	current *LifecycleEvent
}

func newSession(token string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		token:  token,
		ctx:    ctx,
		cancel: cancel,
		round:  newOutcome(),
		queue:  make(chan item, 64),
		done:   make(chan struct{}),
	}
}

func (s *session) currentRound() *outcome {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	return s.round
}

// settle records the outcome of the current attempt round
func (s *session) settle(err error) {
	s.currentRound().settle(err)
}

// rearm starts a new attempt round once the previous one has settled
func (s *session) rearm() {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	if s.round.settled() {
		s.round = newOutcome()
	}
}

// wait blocks until the current attempt round settles or ctx is done
func (s *session) wait(ctx context.Context) error {
	o := s.currentRound()
	select {
	case <-o.ready:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands an item to the delivery goroutine
func (s *session) enqueue(it item) {
	select {
	case s.queue <- it:
	case <-s.ctx.Done():
	}
}

// Connect opens a session authenticated by token and blocks until it is
// connected, rejected, out of retries, torn down by Disconnect, or ctx is
// done. Calling Connect while a session with the same token is active waits
// on that session: it returns at once when connected and otherwise waits for
// the running attempt round, reconnections included. A different token
// replaces the active session.
// Canceling ctx bounds the wait; the session keeps trying in the background
// until Disconnect.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.opMu.Lock()

	c.mu.Lock()
	active := c.session
	c.mu.Unlock()

	var replaced *LifecycleEvent
	if active != nil {
		if active.token == token {
			c.opMu.Unlock()
			return active.wait(ctx)
		}
		replaced = c.teardown(active)
	}

	s := newSession(token)
	c.mu.Lock()
	c.session = s
	c.state = StateConnecting
	c.mu.Unlock()

	go c.supervise(s)
	go c.deliver(s)

	c.opMu.Unlock()

	if replaced != nil {
		c.emit(*replaced)
	}
	return s.wait(ctx)
}

// Disconnect tears down the active session from any state and returns the
// client to StateIdle. A disconnect lifecycle event is emitted only if a
// transport was up.
func (c *Client) Disconnect() {
	c.opMu.Lock()

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	var ev *LifecycleEvent
	if s != nil {
		ev = c.teardown(s)
	}
	c.opMu.Unlock()

	if ev != nil {
		c.emit(*ev)
	}
}

// teardown cancels s and waits for its supervisor. It returns the disconnect
// notification owed to observers when a transport was up. Callers hold opMu.
func (c *Client) teardown(s *session) *LifecycleEvent {
	// Canceling under mu orders this against markConnected
	c.mu.Lock()
	s.cancel()
	wasUp := s.current
	s.current = nil
	c.mu.Unlock()

	<-s.done

	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.state = StateIdle
	}
	c.mu.Unlock()

	if wasUp == nil {
		return nil
	}
	return &LifecycleEvent{
		Kind:         LifecycleDisconnect,
		Transport:    wasUp.Transport,
		ConnectionID: wasUp.ConnectionID,
		Role:         wasUp.Role,
		Err:          ErrDisconnected,
	}
}

// Connected reports whether a transport is currently established
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// supervise runs the connection attempts of s. A failed attempt is retried
// up to maxRetries times, retryDelay apart. An unexpected drop starts a fresh
// retry budget. Rejected credentials are never retried.
func (c *Client) supervise(s *session) {
	defer close(s.done)
	defer close(s.queue)

	retries := 0
	for {
		if retries > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				c.stop(s, ErrDisconnected)
				return
			}
		}

		l, err := c.dial(s.ctx, s.token)
		if err != nil {
			if s.ctx.Err() != nil {
				c.stop(s, ErrDisconnected)
				return
			}

			c.logger.Debug().Err(err).Int("retry", retries).Msg("Connection attempt failed")
			s.enqueue(item{lifecycle: &LifecycleEvent{Kind: LifecycleConnectError, Err: err}})

			if errors.Is(err, ErrUnauthorized) {
				c.stop(s, err)
				return
			}
			if retries >= c.maxRetries {
				c.stop(s, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
				return
			}
			retries++
			continue
		}

		up := &LifecycleEvent{
			Kind:         LifecycleConnect,
			Transport:    l.transport(),
			ConnectionID: l.connectionID(),
			Role:         l.role(),
		}
		if !c.markConnected(s, up) {
			l.close()
			c.stop(s, ErrDisconnected)
			return
		}
		c.logger.Info().
			Str("transport", string(up.Transport)).
			Str("connection_id", up.ConnectionID).
			Msg("Connected")
		s.enqueue(item{lifecycle: up})
		s.settle(nil)

		err = l.run(s.ctx, func(event *proto.Event) {
			s.enqueue(item{event: event})
		})

		if s.ctx.Err() != nil {
			// Disconnect emits the disconnect notification itself
			c.stop(s, ErrDisconnected)
			return
		}

		c.logger.Warn().Err(err).Str("connection_id", up.ConnectionID).Msg("Connection lost, reconnecting")
		c.markReconnecting(s)
		s.enqueue(item{lifecycle: &LifecycleEvent{
			Kind:         LifecycleDisconnect,
			Transport:    up.Transport,
			ConnectionID: up.ConnectionID,
			Role:         up.Role,
			Err:          err,
		}})
		retries = 1
	}
}

// markConnected moves s to StateConnected unless it was torn down meanwhile
func (c *Client) markConnected(s *session, up *LifecycleEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s || s.ctx.Err() != nil {
		return false
	}
	s.current = up
	c.state = StateConnected
	return true
}

func (c *Client) markReconnecting(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.current = nil
	if c.session == s {
		s.rearm()
		c.state = StateReconnecting
	}
}

// stop ends s and returns the client to StateIdle if s is still active
func (c *Client) stop(s *session, err error) {
	c.mu.Lock()
	s.current = nil
	if c.session == s {
		c.session = nil
		c.state = StateIdle
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, ErrDisconnected) {
		c.logger.Warn().Err(err).Msg("Event client stopped")
	}
	s.settle(err)
}

// deliver dispatches queued items in order until the supervisor closes the
// queue. Items left over after Disconnect are dropped.
func (c *Client) deliver(s *session) {
	defer s.cancel()

	for it := range s.queue {
		if s.ctx.Err() != nil {
			continue
		}
		if it.event != nil {
			c.dispatch(it.event)
		}
		if it.lifecycle != nil {
			c.emit(*it.lifecycle)
		}
	}
}

// dispatch runs every handler registered for the event kind
func (c *Client) dispatch(event *proto.Event) {
	c.handlersMu.RLock()
	handlers := slices.Clone(c.handlers[event.Kind])
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.safeCall(string(event.Kind), func() { h(event) })
	}
}

// emit runs every lifecycle observer
func (c *Client) emit(ev LifecycleEvent) {
	c.handlersMu.RLock()
	observers := slices.Clone(c.lifecycle)
	c.handlersMu.RUnlock()

	for _, fn := range observers {
		c.safeCall(string(ev.Kind), func() { fn(ev) })
	}
}

// safeCall isolates a panicking handler from the others
func (c *Client) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("handler", name).Msg("Handler panicked")
		}
	}()
	fn()
}
