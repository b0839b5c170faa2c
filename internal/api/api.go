package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	apierrors "github.com/nkkko/storepulse/internal/api/errors"
	"github.com/nkkko/storepulse/internal/api/models"
	"github.com/nkkko/storepulse/internal/api/response"
	"github.com/nkkko/storepulse/internal/api/validation"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/internal/telemetry"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts. WriteTimeout must exceed the longest poll wait.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Per-request deadline for REST endpoints
	RequestTimeout time.Duration

	// Origins allowed by CORS and the WebSocket upgrader
	AllowedOrigins []string

	// Route serving Prometheus metrics
	MetricsPath string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   35 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		AllowedOrigins: []string{"*"},
		MetricsPath:    "/metrics",
	}
}

const (
	defaultPollWait   = 20 * time.Second
	defaultEventLimit = 50
	maxEventLimit     = 1000

	identityKey = "identity"
)

// API handles HTTP endpoints using Fiber
type API struct {
	config   Config
	app      *fiber.App
	services domain.Services
	baseCtx  context.Context
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewAPI creates a new API instance
func NewAPI(config Config, services domain.Services) *API {
	logger := log.With().Str("component", "api").Logger()
	defaults := DefaultConfig()

	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}

	a := &API{
		config:   config,
		services: services,
		baseCtx:  context.Background(),
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		BodyLimit:             validation.MaxBodySize,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(telemetry.FiberMiddleware("storepulse"))
	app.Use(a.observe)
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(config.AllowedOrigins, ","),
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Accept,Authorization,Content-Type,X-Request-ID",
	}))

	a.registerRoutes(app)
	a.app = app
	return a
}

// App exposes the fiber application, mainly for app.Test
func (a *API) App() *fiber.App {
	return a.app
}

// Start runs the API server until ctx is canceled
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")
	a.baseCtx = ctx

	errCh := make(chan error, 1)
	go func() {
		if err := a.app.Listen(a.config.Addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.app != nil {
		return a.app.ShutdownWithContext(ctx)
	}
	return nil
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	// Health checks
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/readyz", a.handleReady)

	// Metrics endpoint
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	app.Get(a.config.MetricsPath, func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	// Stream transports
	app.Get("/stream", a.requireUpgrade, websocket.New(a.handleSocket, websocket.Config{
		Origins: a.config.AllowedOrigins,
	}))
	app.Post("/stream/poll", a.handleOpenPoll)
	app.Get("/stream/poll/:id", a.handlePoll)
	app.Delete("/stream/poll/:id", a.handleClosePoll)

	// Collaborator and diagnostics endpoints
	admin := a.requireRole(proto.RoleAdmin)
	app.Post("/events", admin, a.handlePublish)
	app.Get("/events", admin, a.handleListEvents)
	app.Get("/stats", admin, a.handleStats)
}

// requireUpgrade refuses plain HTTP requests on the socket route
func (a *API) requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// handleSocket serves an upgraded WebSocket session
func (a *API) handleSocket(conn *websocket.Conn) {
	if err := a.services.Broadcaster.ServeSocket(a.baseCtx, conn); err != nil {
		a.logger.Debug().Err(err).Msg("WebSocket session refused")
	}
}

// handleReady reports ready while the broadcaster accepts commands
func (a *API) handleReady(c *fiber.Ctx) error {
	if _, err := a.services.Broadcaster.Stats(c.UserContext()); err != nil {
		return a.fail(c, err)
	}
	return c.SendString("OK")
}

// handleOpenPoll opens a long-polling session
func (a *API) handleOpenPoll(c *fiber.Ctx) error {
	var req models.OpenPollRequest
	if err := validation.ParseAndValidateFiber(c, &req); err != nil {
		return a.fail(c, err)
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	conn, err := a.services.Broadcaster.OpenPoll(ctx, req.Token)
	if err != nil {
		return a.fail(c, err)
	}

	return response.FiberJSON(c, fiber.StatusCreated, proto.PollHandshakeResponse{
		ConnectionId: conn.ID,
		Role:         conn.Identity().Role,
	})
}

// handlePoll waits for frames on a polling session
func (a *API) handlePoll(c *fiber.Ctx) error {
	wait := defaultPollWait
	if raw := c.Query("wait"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return a.fail(c, apierrors.ValidationError("invalid_wait", "wait must be a non-negative number of seconds"))
		}
		wait = time.Duration(seconds) * time.Second
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	frames, err := a.services.Broadcaster.Poll(ctx, c.Params("id"), wait)
	if err != nil {
		return a.fail(c, err)
	}

	return response.FiberJSON(c, fiber.StatusOK, proto.PollResponse{Frames: frames})
}

// handleClosePoll ends a polling session
func (a *API) handleClosePoll(c *fiber.Ctx) error {
	a.services.Broadcaster.ClosePoll(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

// handlePublish publishes an event on behalf of a CRUD collaborator
func (a *API) handlePublish(c *fiber.Ctx) error {
	var req models.PublishEventRequest
	if err := validation.ParseAndValidateFiber(c, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid publish request")
		return a.fail(c, err)
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	event := req.ToProto()
	if err := a.services.Broadcaster.Publish(ctx, event); err != nil {
		return a.fail(c, err)
	}

	return response.FiberJSON(c, fiber.StatusAccepted, models.PublishedResponse{ID: event.Id})
}

// handleListEvents pages through the event journal
func (a *API) handleListEvents(c *fiber.Ctx) error {
	limit, err := validation.QueryInt("limit", c.Query("limit"), defaultEventLimit, 1, maxEventLimit)
	if err != nil {
		return a.fail(c, err)
	}

	ctx, cancel := a.requestContext(c)
	defer cancel()

	events, nextCursor, err := a.services.Journal.ListEvents(ctx, limit, c.Query("cursor"))
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list events")
		return a.fail(c, err)
	}

	return response.FiberWithMeta(c, fiber.StatusOK, models.EventsFromProto(events), models.PaginationMeta{
		Limit:      limit,
		NextCursor: nextCursor,
	})
}

// handleStats reports connection counts
func (a *API) handleStats(c *fiber.Ctx) error {
	stats, err := a.services.Broadcaster.Stats(c.UserContext())
	if err != nil {
		return a.fail(c, err)
	}
	return response.FiberJSON(c, fiber.StatusOK, stats)
}

// requireRole rejects requests without a bearer token for one of roles
func (a *API) requireRole(roles ...proto.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		identity, err := auth.Authorize(c.UserContext(), a.services.Validator, token, roles...)
		if err != nil {
			return a.fail(c, err)
		}
		c.Locals(identityKey, identity)
		return c.Next()
	}
}

func (a *API) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), a.config.RequestTimeout)
}

// fail counts the error and writes the error envelope
func (a *API) fail(c *fiber.Ctx, err error) error {
	apiErr := apierrors.FromError(err)
	a.metrics.APIErrorsTotal.WithLabelValues(c.Method(), c.Route().Path, string(apiErr.Type)).Inc()
	return response.FiberError(c, apiErr)
}

// observe logs each request and records request metrics
func (a *API) observe(c *fiber.Ctx) error {
	start := time.Now()
	a.metrics.APIActiveConnections.Inc()
	defer a.metrics.APIActiveConnections.Dec()

	err := c.Next()

	status := c.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	path := c.Route().Path
	duration := time.Since(start)

	a.metrics.APIRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
	a.metrics.APIRequestDuration.WithLabelValues(c.Method(), path).Observe(duration.Seconds())

	var event *zerolog.Event
	switch {
	case status >= 500:
		event = a.logger.Error()
	case status >= 400:
		event = a.logger.Warn()
	default:
		event = a.logger.Info()
	}

	requestID, _ := c.Locals("requestid").(string)
	if identity, ok := c.Locals(identityKey).(*auth.Identity); ok {
		event = event.Str("user_id", identity.UserID).Str("role", string(identity.Role))
	}
	event.
		Str("method", c.Method()).
		Str("path", c.Path()).
		Str("route", path).
		Str("request_id", requestID).
		Int("status", status).
		Dur("duration", duration).
		Msg("Request completed")

	return err
}
