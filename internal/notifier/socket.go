package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/storepulse/pkg/proto"
)

var errHandshakeRequired = errors.New("notifier: first frame must be a handshake")

// ServeSocket runs a complete WebSocket session and returns when it ends.
//
// The first frame must be a handshake carrying the credential and must arrive
// within HandshakeTimeout. The server answers with a connected frame, or an
// error frame followed by closing the socket. Afterwards the client may send
// ping frames to stay alive while a dedicated writer drains the connection's
// queue.
func (n *Notifier) ServeSocket(ctx context.Context, ws FrameConn) error {
	c, err := n.register(ProtocolWebSocket,
		func() { _ = ws.Close() },
		func(f *proto.Frame) { _ = n.writeFrame(ws, f) },
	)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			_ = n.writeFrame(ws, proto.ErrorFrame(proto.ErrCodeCapacity, "server is at capacity"))
		}
		_ = ws.Close()
		return err
	}

	if err := n.handshake(ctx, ws, c); err != nil {
		return err
	}

	// Tear the session down when the host goes away
	go func() {
		select {
		case <-ctx.Done():
			n.disconnect(c.ID, "shutdown")
		case <-c.done:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		n.writeLoop(ws, c)
	}()

	n.readLoop(ws, c)
	n.disconnect(c.ID, "closed")

	// The transport must not be touched after we return
	<-writerDone
	return nil
}

// handshake reads the first frame and authenticates the connection
func (n *Notifier) handshake(ctx context.Context, ws FrameConn, c *Connection) error {
	_ = ws.SetReadDeadline(time.Now().Add(n.config.HandshakeTimeout))

	_, msg, err := ws.ReadMessage()
	if err != nil {
		n.metrics.NotifierConnectionsRejected.WithLabelValues("handshake_timeout").Inc()
		n.disconnect(c.ID, "handshake_timeout")
		return fmt.Errorf("handshake not received: %w", err)
	}

	var frame proto.Frame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != proto.FrameHandshake {
		n.metrics.NotifierConnectionsRejected.WithLabelValues("invalid_frame").Inc()
		_ = n.writeFrame(ws, proto.ErrorFrame(proto.ErrCodeHandshakeRequired, errHandshakeRequired.Error()))
		n.disconnect(c.ID, "invalid_frame")
		return errHandshakeRequired
	}

	var token string
	if frame.Auth != nil {
		token = frame.Auth.Token
	}
	if _, err := n.Authenticate(ctx, c, token); err != nil {
		// No-op when authentication already removed it
		n.disconnect(c.ID, "closed")
		return err
	}

	// Liveness is tracked by the idle reaper from here on
	_ = ws.SetReadDeadline(time.Time{})

	identity := c.Identity()
	connected := &proto.Frame{
		Type:         proto.FrameConnected,
		ConnectionId: c.ID,
		Role:         identity.Role,
	}
	if err := n.writeFrame(ws, connected); err != nil {
		n.disconnect(c.ID, "write_error")
		return fmt.Errorf("failed to confirm handshake: %w", err)
	}
	return nil
}

// writeLoop is the only writer once the handshake has completed
func (n *Notifier) writeLoop(ws FrameConn, c *Connection) {
	for {
		select {
		case msg := <-c.out.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				n.metrics.NotifierDeliveries.WithLabelValues(string(c.Protocol), "failed").Inc()
				n.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("WebSocket write error")
				n.disconnect(c.ID, "write_error")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop consumes client frames until the socket fails
func (n *Notifier) readLoop(ws FrameConn, c *Connection) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("WebSocket read error")
			return
		}

		c.Touch()

		var frame proto.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			n.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("Failed to parse client frame")
			continue
		}

		switch frame.Type {
		case proto.FramePing:
			// Keep-alive only
		default:
			n.logger.Debug().
				Str("connection_id", c.ID).
				Str("type", string(frame.Type)).
				Msg("Unknown client frame")
		}
	}
}

func (n *Notifier) writeFrame(ws FrameConn, frame *proto.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}
