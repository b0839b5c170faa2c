package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake connection closed")
var errFakeTimeout = errors.New("fake read deadline exceeded")

// fakeConn is an in-memory FrameConn. Frames written by the server land in
// out; frames queued on in are returned by ReadMessage.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu           sync.Mutex
	readDeadline time.Time
	closed       chan struct{}
	closeOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	deadline := f.readDeadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-f.in:
		return 1, msg, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-timeout:
		return 0, nil, errFakeTimeout
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDeadline = t
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(t *testing.T, frame *proto.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) next(t *testing.T) proto.Frame {
	t.Helper()
	select {
	case msg := <-f.out:
		var frame proto.Frame
		require.NoError(t, json.Unmarshal(msg, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return proto.Frame{}
	}
}

func serve(n *Notifier, ws *fakeConn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- n.ServeSocket(context.Background(), ws)
	}()
	return done
}

func handshakeFrame(token string) *proto.Frame {
	return &proto.Frame{Type: proto.FrameHandshake, Auth: &proto.HandshakeAuth{Token: token}}
}

func TestServeSocketHandshakeAndDelivery(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())
	ws := newFakeConn()
	done := serve(n, ws)

	ws.send(t, handshakeFrame("admin-token"))

	connected := ws.next(t)
	assert.Equal(t, proto.FrameConnected, connected.Type)
	assert.Equal(t, proto.RoleAdmin, connected.Role)
	assert.NotEmpty(t, connected.ConnectionId)

	// Pings keep the session alive
	ws.send(t, &proto.Frame{Type: proto.FramePing})

	require.NoError(t, n.Publish(context.Background(), &proto.Event{
		Kind:    proto.KindInventoryUpdate,
		Payload: json.RawMessage(`{"sku":"A-1","stock":3}`),
	}))

	event := ws.next(t)
	assert.Equal(t, proto.FrameEvent, event.Type)
	assert.Equal(t, proto.KindInventoryUpdate, event.Kind)
	assert.JSONEq(t, `{"sku":"A-1","stock":3}`, string(event.Payload))

	// Closing the socket ends the session and unregisters it
	require.NoError(t, ws.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSocket did not return")
	}

	stats, err := n.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestServeSocketRejectsBadToken(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())
	ws := newFakeConn()
	done := serve(n, ws)

	ws.send(t, handshakeFrame("forged-token"))

	frame := ws.next(t)
	assert.Equal(t, proto.FrameError, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, proto.ErrCodeUnauthorized, frame.Error.Code)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSocket did not return")
	}
	assert.True(t, ws.isClosed())
}

func TestServeSocketRejectsMissingToken(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())
	ws := newFakeConn()
	done := serve(n, ws)

	ws.send(t, &proto.Frame{Type: proto.FrameHandshake})

	frame := ws.next(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, proto.ErrCodeUnauthorized, frame.Error.Code)
	assert.Error(t, <-done)
}

func TestServeSocketRequiresHandshakeFirst(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())
	ws := newFakeConn()
	done := serve(n, ws)

	ws.send(t, &proto.Frame{Type: proto.FramePing})

	frame := ws.next(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, proto.ErrCodeHandshakeRequired, frame.Error.Code)
	assert.ErrorIs(t, <-done, errHandshakeRequired)
	assert.True(t, ws.isClosed())
}

func TestServeSocketHandshakeTimeout(t *testing.T) {
	config := DefaultConfig()
	config.HandshakeTimeout = 30 * time.Millisecond
	n := newTestNotifier(t, config)

	ws := newFakeConn()
	done := serve(n, ws)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timeout was not enforced")
	}
	assert.True(t, ws.isClosed())

	stats, err := n.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestServeSocketAtCapacity(t *testing.T) {
	config := DefaultConfig()
	config.MaxConnections = 1
	n := newTestNotifier(t, config)
	openPoll(t, n, "user1-token")

	ws := newFakeConn()
	err := n.ServeSocket(context.Background(), ws)
	assert.ErrorIs(t, err, ErrCapacity)

	frame := ws.next(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, proto.ErrCodeCapacity, frame.Error.Code)
	assert.True(t, ws.isClosed())
}

func TestServeSocketUserIsolation(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())

	owner := newFakeConn()
	serve(n, owner)
	owner.send(t, handshakeFrame("user1-token"))
	owner.next(t)

	other := newFakeConn()
	serve(n, other)
	other.send(t, handshakeFrame("user2-token"))
	other.next(t)

	require.NoError(t, n.Publish(context.Background(), &proto.Event{
		Kind:         proto.KindOrderUpdate,
		TargetUserId: "u1",
		Payload:      json.RawMessage(`{"status":"shipped"}`),
	}))

	frame := owner.next(t)
	assert.Equal(t, proto.KindOrderUpdate, frame.Kind)

	select {
	case msg := <-other.out:
		t.Fatalf("user u2 received another user's event: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	owner.Close()
	other.Close()
}

func TestServeSocketWriteFailureDisconnects(t *testing.T) {
	n := newTestNotifier(t, DefaultConfig())

	ws := newFakeConn()
	done := serve(n, ws)
	ws.send(t, handshakeFrame("admin-token"))
	connected := ws.next(t)

	// Simulate a broken peer
	ws.Close()
	_ = n.Publish(context.Background(), &proto.Event{Kind: proto.KindLowStockAlert})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after write failure")
	}

	_, err := n.lookup(context.Background(), connected.ConnectionId)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}
