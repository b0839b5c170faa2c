package notifier

import (
	"context"
	"encoding/json"
	"time"
)

// OpenPoll registers and authenticates a long-polling session
func (n *Notifier) OpenPoll(ctx context.Context, token string) (*Connection, error) {
	c, err := n.Register(ProtocolPolling, nil)
	if err != nil {
		return nil, err
	}
	return n.Authenticate(ctx, c, token)
}

// Poll waits up to wait for queued frames on a polling session and returns
// everything available, capped at MaxPollBatch. A zero wait returns
// immediately.
func (n *Notifier) Poll(ctx context.Context, connID string, wait time.Duration) ([]json.RawMessage, error) {
	c, err := n.lookup(ctx, connID)
	if err != nil {
		return nil, err
	}
	if c.Protocol != ProtocolPolling || !c.Authenticated() {
		return nil, ErrUnknownConnection
	}

	if wait > n.config.MaxPollWait {
		wait = n.config.MaxPollWait
	}

	c.Touch()
	defer c.Touch()

	frames := make([]json.RawMessage, 0)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case msg := <-c.out.ch:
			frames = append(frames, msg)
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnectionClosed
		}
	}

	for _, msg := range c.out.drain(n.config.MaxPollBatch - len(frames)) {
		frames = append(frames, msg)
	}
	return frames, nil
}

// ClosePoll ends a polling session. It is safe to call more than once.
func (n *Notifier) ClosePoll(connID string) {
	n.disconnect(connID, "closed")
}

func (n *Notifier) lookup(ctx context.Context, connID string) (*Connection, error) {
	var c *Connection
	if err := n.exec(ctx, func() {
		c = n.conns[connID]
	}); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrUnknownConnection
	}
	return c, nil
}
