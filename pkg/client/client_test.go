package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apichi "github.com/nkkko/storepulse/internal/api/chi"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/notifier"
	"github.com/nkkko/storepulse/internal/storage"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer runs the chi host over a real notifier. Requests can be made to
// fail wholesale, or only on the WebSocket route.
type testServer struct {
	server    *httptest.Server
	notifier  *notifier.Notifier
	validator *auth.JWTValidator

	unavailable atomic.Bool
	noSocket    atomic.Bool
	socketHits  atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	authConfig := auth.DefaultConfig()
	authConfig.Secret = "client-test-secret"
	validator, err := auth.NewJWTValidator(authConfig)
	require.NoError(t, err)

	journal, err := storage.NewStorage(storage.Config{Type: storage.MemoryStorage})
	require.NoError(t, err)

	n := notifier.NewNotifier(notifier.DefaultConfig(), validator, notifier.WithRecorder(journal))
	host := apichi.NewChiAPI(apichi.Config{}, domain.Services{
		Broadcaster: n,
		Journal:     journal,
		Validator:   validator,
	})

	ts := &testServer{notifier: n, validator: validator}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stream" {
			ts.socketHits.Add(1)
		}
		if ts.unavailable.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path == "/stream" && ts.noSocket.Load() {
			http.NotFound(w, r)
			return
		}
		host.Handler().ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		ts.server.Close()
		_ = n.Shutdown(context.Background())
		_ = journal.Shutdown(context.Background())
	})

	return ts
}

func (ts *testServer) token(t *testing.T, userID string, role proto.Role) string {
	t.Helper()
	token, err := ts.validator.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithTimeout(2 * time.Second),
		WithRetryDelay(20 * time.Millisecond),
	}, opts...)
	c, err := New(ts.server.URL, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

// recorder collects lifecycle notifications and events
type recorder struct {
	mu        sync.Mutex
	lifecycle []LifecycleEvent
	events    []*proto.Event
}

func (r *recorder) onLifecycle(ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycle = append(r.lifecycle, ev)
}

func (r *recorder) onEvent(ev *proto.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind LifecycleKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.lifecycle {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind LifecycleKind) LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.lifecycle) - 1; i >= 0; i-- {
		if r.lifecycle[i].Kind == kind {
			return r.lifecycle[i]
		}
	}
	return LifecycleEvent{}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNew(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)

	_, err = New("http://example.com", WithTransports())
	assert.Error(t, err)

	_, err = New("http://example.com", WithTransports("carrier-pigeon"))
	assert.Error(t, err)

	c, err := New("https://example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/base/stream", c.streamURL())
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Connected())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestConnectWebSocketDeliversEvents(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "admin-1", proto.RoleAdmin)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket))
	c.OnLifecycle(rec.onLifecycle)
	c.On(proto.KindNewOrder, rec.onEvent)

	require.NoError(t, c.Connect(context.Background(), admin))
	assert.True(t, c.Connected())
	assert.Equal(t, StateConnected, c.State())

	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)
	connected := rec.last(LifecycleConnect)
	assert.Equal(t, TransportWebSocket, connected.Transport)
	assert.Equal(t, proto.RoleAdmin, connected.Role)
	assert.NotEmpty(t, connected.ConnectionID)

	id, err := c.Publish(context.Background(), admin, &proto.PublishEventRequest{
		Kind:    proto.KindNewOrder,
		Payload: json.RawMessage(`{"order_id":42}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	got := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, id, got.Id)
	assert.Equal(t, proto.KindNewOrder, got.Kind)
	assert.JSONEq(t, `{"order_id":42}`, string(got.Payload))

	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Connected())
	assert.Equal(t, 1, rec.count(LifecycleDisconnect))
	assert.ErrorIs(t, rec.last(LifecycleDisconnect).Err, ErrDisconnected)

	// Disconnect is idempotent and never reports a second transition
	c.Disconnect()
	assert.Equal(t, 1, rec.count(LifecycleDisconnect))
	assert.Equal(t, 1, rec.count(LifecycleConnect))
}

func TestConnectPollingDeliversEvents(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "admin-1", proto.RoleAdmin)
	user := ts.token(t, "user-7", proto.RoleUser)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportPolling))
	c.On(proto.KindOrderUpdate, rec.onEvent)

	require.NoError(t, c.Connect(context.Background(), user))

	// Only the targeted owner receives order updates
	_, err := c.Publish(context.Background(), admin, &proto.PublishEventRequest{
		Kind:         proto.KindOrderUpdate,
		TargetUserId: "someone-else",
	})
	require.NoError(t, err)
	_, err = c.Publish(context.Background(), admin, &proto.PublishEventRequest{
		Kind:         proto.KindOrderUpdate,
		TargetUserId: "user-7",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	stats, err := ts.notifier.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByProtocol[string(notifier.ProtocolPolling)])

	c.Disconnect()

	// The server-side session is released
	require.Eventually(t, func() bool {
		stats, err := ts.notifier.Stats(context.Background())
		return err == nil && stats.Total == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectFallsBackToPolling(t *testing.T) {
	ts := newTestServer(t)
	ts.noSocket.Store(true)

	rec := &recorder{}
	c := ts.client(t)
	c.OnLifecycle(rec.onLifecycle)

	require.NoError(t, c.Connect(context.Background(), ts.token(t, "s1", proto.RoleSupport)))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, TransportPolling, rec.last(LifecycleConnect).Transport)
	assert.Equal(t, proto.RoleSupport, rec.last(LifecycleConnect).Role)
	assert.Equal(t, int32(1), ts.socketHits.Load())
}

func TestConnectUnauthorizedIsTerminal(t *testing.T) {
	ts := newTestServer(t)

	rec := &recorder{}
	c := ts.client(t, WithMaxRetries(3))
	c.OnLifecycle(rec.onLifecycle)

	err := c.Connect(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, c.Connected())
	assert.Equal(t, StateIdle, c.State())

	require.Eventually(t, func() bool { return rec.count(LifecycleConnectError) == 1 }, time.Second, 10*time.Millisecond)

	// The credential is not retried and polling is never attempted
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.socketHits.Load())
	assert.Equal(t, 1, rec.count(LifecycleConnectError))
	assert.Equal(t, 0, rec.count(LifecycleConnect))
}

func TestConnectRetriesExhausted(t *testing.T) {
	ts := newTestServer(t)
	ts.unavailable.Store(true)

	rec := &recorder{}
	c := ts.client(t, WithMaxRetries(3))
	c.OnLifecycle(rec.onLifecycle)

	start := time.Now()
	err := c.Connect(context.Background(), ts.token(t, "a1", proto.RoleAdmin))
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 3*20*time.Millisecond)
	assert.Equal(t, StateIdle, c.State())

	// One initial attempt plus three retries
	require.Eventually(t, func() bool { return rec.count(LifecycleConnectError) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(4), ts.socketHits.Load())
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket))
	c.OnLifecycle(rec.onLifecycle)

	require.NoError(t, c.Connect(context.Background(), ts.token(t, "a1", proto.RoleAdmin)))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)
	first := rec.last(LifecycleConnect).ConnectionID

	ts.notifier.OnDisconnect(first)

	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(LifecycleDisconnect))
	assert.NotEqual(t, first, rec.last(LifecycleConnect).ConnectionID)
	assert.True(t, c.Connected())
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	ts := newTestServer(t)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket), WithMaxRetries(3))
	c.OnLifecycle(rec.onLifecycle)

	require.NoError(t, c.Connect(context.Background(), ts.token(t, "a1", proto.RoleAdmin)))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)

	ts.unavailable.Store(true)
	ts.notifier.OnDisconnect(rec.last(LifecycleConnect).ConnectionID)

	require.Eventually(t, func() bool { return c.State() == StateIdle }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(LifecycleConnectError) == 3 }, time.Second, 10*time.Millisecond)

	// No further automatic attempts
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, rec.count(LifecycleConnectError))
	assert.Equal(t, 1, rec.count(LifecycleConnect))
	assert.False(t, c.Connected())

	// An explicit Connect starts over
	ts.unavailable.Store(false)
	require.NoError(t, c.Connect(context.Background(), ts.token(t, "a1", proto.RoleAdmin)))
	assert.True(t, c.Connected())
}

func TestConnectDuringReconnectWaitsForOutcome(t *testing.T) {
	ts := newTestServer(t)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket), WithMaxRetries(100))
	c.OnLifecycle(rec.onLifecycle)

	token := ts.token(t, "a1", proto.RoleAdmin)
	require.NoError(t, c.Connect(context.Background(), token))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)

	ts.unavailable.Store(true)
	ts.notifier.OnDisconnect(rec.last(LifecycleConnect).ConnectionID)
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background(), token) }()

	select {
	case err := <-result:
		t.Fatalf("Connect returned %v while reconnecting", err)
	case <-time.After(100 * time.Millisecond):
	}

	ts.unavailable.Store(false)
	select {
	case err := <-result:
		require.NoError(t, err)
		assert.True(t, c.Connected())
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after reconnection")
	}
}

func TestConnectDuringReconnectReportsExhaustion(t *testing.T) {
	ts := newTestServer(t)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket), WithMaxRetries(3))
	c.OnLifecycle(rec.onLifecycle)

	token := ts.token(t, "a1", proto.RoleAdmin)
	require.NoError(t, c.Connect(context.Background(), token))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)

	ts.unavailable.Store(true)
	ts.notifier.OnDisconnect(rec.last(LifecycleConnect).ConnectionID)
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.Connect(ctx, token)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Connected())
}

func TestConnectSameTokenIsNoop(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "u1", proto.RoleUser)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket))
	c.OnLifecycle(rec.onLifecycle)

	require.NoError(t, c.Connect(context.Background(), token))
	require.NoError(t, c.Connect(context.Background(), token))

	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(LifecycleConnect))
	assert.Equal(t, int32(1), ts.socketHits.Load())

	// A different credential replaces the session
	require.NoError(t, c.Connect(context.Background(), ts.token(t, "u2", proto.RoleUser)))
	require.Eventually(t, func() bool { return rec.count(LifecycleConnect) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(LifecycleDisconnect))
}

func TestDisconnectWhileConnecting(t *testing.T) {
	ts := newTestServer(t)
	ts.unavailable.Store(true)

	rec := &recorder{}
	c := ts.client(t, WithRetryDelay(time.Hour))
	c.OnLifecycle(rec.onLifecycle)

	result := make(chan error, 1)
	go func() {
		result <- c.Connect(context.Background(), ts.token(t, "a1", proto.RoleAdmin))
	}()

	require.Eventually(t, func() bool { return rec.count(LifecycleConnectError) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnecting, c.State())

	c.Disconnect()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 0, rec.count(LifecycleConnect))
	assert.Equal(t, 0, rec.count(LifecycleDisconnect))
}

func TestConnectContextBoundsWait(t *testing.T) {
	ts := newTestServer(t)
	ts.unavailable.Store(true)

	c := ts.client(t, WithRetryDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx, ts.token(t, "a1", proto.RoleAdmin))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, c.State())

	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "a1", proto.RoleAdmin)

	rec := &recorder{}
	c := ts.client(t, WithTransports(TransportWebSocket))
	c.On(proto.KindLowStockAlert, func(*proto.Event) { panic("boom") })
	c.On(proto.KindLowStockAlert, rec.onEvent)
	c.On(proto.KindInventoryUpdate, rec.onEvent)

	require.NoError(t, c.Connect(context.Background(), admin))

	for _, kind := range []proto.EventKind{proto.KindLowStockAlert, proto.KindInventoryUpdate} {
		_, err := c.Publish(context.Background(), admin, &proto.PublishEventRequest{Kind: kind})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.eventCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	// Delivery preserves publish order
	assert.Equal(t, proto.KindLowStockAlert, rec.events[0].Kind)
	assert.Equal(t, proto.KindInventoryUpdate, rec.events[1].Kind)
}

func TestRESTHelpers(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.token(t, "a1", proto.RoleAdmin)
	c := ts.client(t)

	for i := 0; i < 3; i++ {
		_, err := c.Publish(context.Background(), admin, &proto.PublishEventRequest{Kind: proto.KindContentUpdate})
		require.NoError(t, err)
	}

	events, cursor, err := c.RecentEvents(context.Background(), admin, 2, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEmpty(t, cursor)
	assert.Equal(t, proto.KindContentUpdate, events[0].Kind)
	assert.False(t, events[0].Timestamp.IsZero())

	events, cursor, err = c.RecentEvents(context.Background(), admin, 2, cursor)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, cursor)

	_, err = c.Publish(context.Background(), ts.token(t, "s1", proto.RoleSupport), &proto.PublishEventRequest{Kind: proto.KindContentUpdate})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)

	_, err = c.Publish(context.Background(), admin, &proto.PublishEventRequest{Kind: "bogus"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, _, err = c.RecentEvents(context.Background(), admin, 0, "not-a-cursor")
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, strings.Contains(apiErr.Code, "cursor"))
}
