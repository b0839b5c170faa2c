package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nkkko/storepulse/internal/policy"
	"github.com/nkkko/storepulse/internal/telemetry"
	"github.com/nkkko/storepulse/pkg/proto"
	"go.opentelemetry.io/otel/attribute"
)

// outbox is the bounded per-connection queue of encoded frames
type outbox struct {
	ch chan []byte
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan []byte, size)}
}

// push enqueues msg without blocking. It reports false when the queue is full.
func (o *outbox) push(msg []byte) bool {
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

// drain removes up to limit queued frames without blocking
func (o *outbox) drain(limit int) [][]byte {
	var msgs [][]byte
	for len(msgs) < limit {
		select {
		case msg := <-o.ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
	return msgs
}

// Len returns the number of queued frames
func (o *outbox) Len() int {
	return len(o.ch)
}

// fanout encodes the event once and queues it for every eligible connection
func (n *Notifier) fanout(ctx context.Context, event *proto.Event, rule policy.VisibilityRule) error {
	data, err := json.Marshal(proto.EventFrame(event))
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.Id, err)
	}

	start := time.Now()
	var queued, dropped int

	err = n.exec(ctx, func() {
		for _, id := range n.index.Match(rule, event.TargetUserId) {
			c, ok := n.conns[id]
			if !ok {
				continue
			}

			if c.out.push(data) {
				queued++
				n.metrics.NotifierDeliveries.WithLabelValues(string(c.Protocol), "queued").Inc()
				continue
			}

			// A slow receiver only loses its own copy
			dropped++
			n.dropped.Add(1)
			n.metrics.NotifierDeliveries.WithLabelValues(string(c.Protocol), "dropped").Inc()
			telemetry.AddSpanEvent(ctx, "fanout.dropped", attribute.String("connection.id", id))
			n.logger.Warn().
				Str("connection_id", id).
				Str("event_id", event.Id).
				Str("kind", string(event.Kind)).
				Msg("Connection queue full, dropping event")
		}
	})
	if err != nil {
		return err
	}

	n.metrics.NotifierEventsPublished.WithLabelValues(string(event.Kind)).Inc()
	n.metrics.NotifierFanoutSize.Observe(float64(queued))

	delay := time.Since(start)
	n.metrics.NotifierPublishDuration.Observe(delay.Seconds())

	telemetry.AddSpanAttributes(ctx,
		attribute.Int("fanout.queued", queued),
		attribute.Int("fanout.dropped", dropped),
	)

	// Log high latency fan-outs
	if delay > 100*time.Millisecond {
		n.logger.Warn().
			Dur("delay", delay).
			Str("event_id", event.Id).
			Int("queued", queued).
			Int("dropped", dropped).
			Msg("High latency in event fan-out")
	}

	return nil
}

func mustEncode(frame *proto.Frame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return data
}
