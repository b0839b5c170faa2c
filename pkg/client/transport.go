package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/storepulse/pkg/proto"
)

// pollWait is the server-side wait requested by each long-poll
const pollWait = 20 * time.Second

// errSessionGone is returned by a polling link whose session the server dropped
var errSessionGone = errors.New("client: session gone")

// link is an established, authenticated transport
type link interface {
	transport() Transport
	connectionID() string
	role() proto.Role

	// run delivers events until the transport fails or ctx is canceled
	run(ctx context.Context, deliver func(*proto.Event)) error

	// close releases a link that will never run
	close()
}

// dial tries each configured transport in order, each bounded by the attempt
// timeout. A rejected credential stops the attempt immediately.
func (c *Client) dial(ctx context.Context, token string) (link, error) {
	var errs []error
	for _, t := range c.transports {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var (
			l   link
			err error
		)
		switch t {
		case TransportWebSocket:
			l, err = c.dialSocket(attemptCtx, token)
		case TransportPolling:
			l, err = c.openPoll(attemptCtx, token)
		}
		cancel()

		if err == nil {
			return l, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", t, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// frameError converts an error frame into an error
func frameError(frame *proto.Frame) error {
	if frame.Error == nil {
		return errors.New("server sent an error frame")
	}
	if frame.Error.Code == proto.ErrCodeUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, frame.Error.Message)
	}
	return fmt.Errorf("server error %s: %s", frame.Error.Code, frame.Error.Message)
}

// eventFromFrame extracts the event carried by an event frame
func eventFromFrame(frame *proto.Frame) *proto.Event {
	return &proto.Event{
		Id:      frame.Id,
		Kind:    frame.Kind,
		Payload: frame.Payload,
	}
}

// socketLink streams frames over a WebSocket
type socketLink struct {
	conn         *websocket.Conn
	id           string
	userRole     proto.Role
	pingInterval time.Duration
}

// dialSocket opens the WebSocket and performs the handshake exchange
func (c *Client) dialSocket(ctx context.Context, token string) (*socketLink, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.streamURL(), c.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket upgrade failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	hello, _ := json.Marshal(&proto.Frame{
		Type: proto.FrameHandshake,
		Auth: &proto.HandshakeAuth{Token: token},
	})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("await handshake: %w", err)
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case proto.FrameConnected:
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return &socketLink{
				conn:         conn,
				id:           frame.ConnectionId,
				userRole:     frame.Role,
				pingInterval: c.pingInterval,
			}, nil
		case proto.FrameError:
			conn.Close()
			return nil, frameError(&frame)
		}
	}
}

func (l *socketLink) transport() Transport { return TransportWebSocket }
func (l *socketLink) connectionID() string { return l.id }
func (l *socketLink) role() proto.Role { return l.userRole }
func (l *socketLink) close() { l.conn.Close() }

func (l *socketLink) run(ctx context.Context, deliver func(*proto.Event)) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepalive(ctx, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	// Server heartbeats and pings both refresh the deadline
	readTimeout := 3 * l.pingInterval

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case proto.FrameEvent:
			deliver(eventFromFrame(&frame))
		case proto.FrameError:
			return frameError(&frame)
		}
	}
}

// keepalive pings the server and closes the socket when ctx is canceled or
// run returns
func (l *socketLink) keepalive(ctx context.Context, done <-chan struct{}) {
	defer l.conn.Close()

	ping, _ := json.Marshal(&proto.Frame{Type: proto.FramePing})
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.pingInterval))
			if err := l.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		case <-ctx.Done():
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-done:
			return
		}
	}
}

// pollLink long-polls a server-side polling session
type pollLink struct {
	client   *Client
	id       string
	userRole proto.Role
}

// openPoll opens a long-polling session
func (c *Client) openPoll(ctx context.Context, token string) (*pollLink, error) {
	var opened proto.PollHandshakeResponse
	_, err := c.doJSON(ctx, http.MethodPost, "/stream/poll", nil, "", proto.PollHandshakeRequest{Token: token}, &opened)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Code)
		}
		return nil, fmt.Errorf("open poll: %w", err)
	}
	if opened.ConnectionId == "" {
		return nil, errors.New("open poll: empty connection id")
	}

	return &pollLink{client: c, id: opened.ConnectionId, userRole: opened.Role}, nil
}

func (l *pollLink) transport() Transport { return TransportPolling }
func (l *pollLink) connectionID() string { return l.id }
func (l *pollLink) role() proto.Role { return l.userRole }
func (l *pollLink) close() { l.release() }

func (l *pollLink) run(ctx context.Context, deliver func(*proto.Event)) error {
	for {
		frames, err := l.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.release()
				return ctx.Err()
			}
			return err
		}

		for _, raw := range frames {
			var frame proto.Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case proto.FrameEvent:
				deliver(eventFromFrame(&frame))
			case proto.FrameError:
				return frameError(&frame)
			}
		}
	}
}

// poll waits for the next batch of frames
func (l *pollLink) poll(ctx context.Context) ([]json.RawMessage, error) {
	wait := pollWait
	if t := l.client.httpClient.Timeout; t > 0 && t <= wait {
		wait = max(t/2, time.Second)
	}
	query := url.Values{"wait": {strconv.Itoa(int(wait / time.Second))}}

	var polled proto.PollResponse
	_, err := l.client.doJSON(ctx, http.MethodGet, "/stream/poll/"+l.id, query, "", nil, &polled)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusGone {
			return nil, errSessionGone
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	return polled.Frames, nil
}

// release ends the server-side session, best effort
func (l *pollLink) release() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := l.client.do(ctx, http.MethodDelete, "/stream/poll/"+l.id, nil, "", nil)
	if err == nil {
		resp.Body.Close()
	}
}
