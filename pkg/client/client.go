// Package client is the subscriber side of the StorePulse stream. A Client owns
// one logical session: it connects with a bearer token, reconnects a bounded
// number of times after unexpected drops, and dispatches received events to
// handlers registered per event kind.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned when the server rejects the credential
	ErrUnauthorized = errors.New("client: unauthorized")

	// ErrRetriesExhausted is returned when every connection attempt failed
	ErrRetriesExhausted = errors.New("client: retries exhausted")

	// ErrDisconnected is returned to Connect callers when Disconnect wins
	ErrDisconnected = errors.New("client: disconnected")
)

// Transport names a stream framing strategy
type Transport string

const (
	// TransportWebSocket streams frames over GET /stream
	TransportWebSocket Transport = "websocket"

	// TransportPolling long-polls /stream/poll
	TransportPolling Transport = "polling"
)

// Handler receives events of the kind it was registered for
type Handler func(event *proto.Event)

// Client is a StorePulse event client. The zero value is not usable; create
// one with New.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	dialer       *websocket.Dialer
	headers      http.Header
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	pingInterval time.Duration
	transports   []Transport
	logger       zerolog.Logger

	// opMu serializes Connect and Disconnect
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	session *session

	handlersMu sync.RWMutex
	handlers   map[proto.EventKind][]Handler
	lifecycle  []func(LifecycleEvent)
}

// Option configures a Client
type Option func(*Client)

// WithTimeout bounds each transport attempt
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithMaxRetries sets how many reconnection attempts follow a failure
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the pause between reconnection attempts
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithTransports sets the transports tried on each attempt, in order
func WithTransports(transports ...Transport) Option {
	return func(c *Client) {
		c.transports = transports
	}
}

// WithPingInterval sets how often the WebSocket transport pings the server.
// It also sizes the read deadline used to detect a dead peer.
func WithPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHeaders sets additional HTTP headers sent with every request
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient sets the HTTP client used for REST calls and polling
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a client for the server at baseURL (http or https)
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		baseURL:      u,
		httpClient:   &http.Client{},
		dialer:       &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		headers:      http.Header{},
		timeout:      5 * time.Second,
		maxRetries:   3,
		retryDelay:   time.Second,
		pingInterval: 15 * time.Second,
		transports:   []Transport{TransportWebSocket, TransportPolling},
		logger:       zerolog.Nop(),
		handlers:     make(map[proto.EventKind][]Handler),
	}

	for _, opt := range opts {
		opt(c)
	}

	if len(c.transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	for _, t := range c.transports {
		if t != TransportWebSocket && t != TransportPolling {
			return nil, fmt.Errorf("unknown transport %q", t)
		}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.pingInterval <= 0 {
		c.pingInterval = 15 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}

	return c, nil
}

// On registers handler for events of kind. Handlers for the same kind run in
// registration order.
func (c *Client) On(kind proto.EventKind, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
}

// OnLifecycle registers fn to observe connect, disconnect, and connect_error
func (c *Client) OnLifecycle(fn func(LifecycleEvent)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.lifecycle = append(c.lifecycle, fn)
}

// APIError is a non-2xx response from the REST surface
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// envelope is the response wrapper used by every JSON endpoint
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    json.RawMessage `json:"meta"`
}

// JournaledEvent is an entry of the admin event feed
type JournaledEvent struct {
	ID           string          `json:"id"`
	Kind         proto.EventKind `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Publish asks the server to fan event out. token must carry the admin role.
// It returns the assigned event ID.
func (c *Client) Publish(ctx context.Context, token string, event *proto.PublishEventRequest) (string, error) {
	var published struct {
		ID string `json:"id"`
	}
	if _, err := c.doJSON(ctx, http.MethodPost, "/events", nil, token, event, &published); err != nil {
		return "", err
	}
	return published.ID, nil
}

// RecentEvents returns a page of the event journal, newest first, and the
// cursor of the next page
func (c *Client) RecentEvents(ctx context.Context, token string, limit int, cursor string) ([]*JournaledEvent, string, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var events []*JournaledEvent
	meta, err := c.doJSON(ctx, http.MethodGet, "/events", query, token, nil, &events)
	if err != nil {
		return nil, "", err
	}

	var page struct {
		NextCursor string `json:"next_cursor"`
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &page); err != nil {
			return nil, "", fmt.Errorf("failed to decode response meta: %w", err)
		}
	}
	return events, page.NextCursor, nil
}

// doJSON performs a REST call and decodes the envelope's data into out. It
// returns the raw meta object.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, token string, body, out any) (json.RawMessage, error) {
	resp, err := c.do(ctx, method, path, query, token, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return env.Meta, nil
}

// do makes an HTTP request. Responses with status >= 400 are turned into an
// *APIError and their body is closed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body any) (*http.Response, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}

		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var env envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
			apiErr.Type = env.Error.Type
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	return resp, nil
}

// streamURL returns the WebSocket endpoint for the base URL
func (c *Client) streamURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/stream"
	u.RawQuery = ""
	return u.String()
}
