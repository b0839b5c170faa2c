package chi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/storepulse/internal/api/errors"
	"github.com/nkkko/storepulse/internal/api/models"
	"github.com/nkkko/storepulse/internal/api/response"
	"github.com/nkkko/storepulse/internal/api/validation"
	"github.com/nkkko/storepulse/internal/auth"
	"github.com/nkkko/storepulse/internal/domain"
	"github.com/nkkko/storepulse/internal/logging"
	"github.com/nkkko/storepulse/internal/metrics"
	"github.com/nkkko/storepulse/internal/telemetry"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
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
)

// ChiAPI handles HTTP endpoints using Chi router
type ChiAPI struct {
	config   Config
	router   *chi.Mux
	server   *http.Server
	services domain.Services
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewChiAPI creates a new API instance with Chi router
func NewChiAPI(config Config, services domain.Services) *ChiAPI {
	logger := log.With().Str("component", "api-chi").Logger()
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

	a := &ChiAPI{
		config:   config,
		services: services,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	a.router = a.buildRouter()
	a.server = &http.Server{
		Addr:         config.Addr,
		Handler:      a.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return a
}

// Handler exposes the router, mainly for httptest servers
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

// Start runs the API server until ctx is canceled
func (a *ChiAPI) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server with Chi router")

	server := a.server

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.server.Shutdown(ctx)
}

func (a *ChiAPI) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware("storepulse"))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(a.metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", a.handleReady)

	// Metrics endpoint
	r.Handle(a.config.MetricsPath, promhttp.Handler())

	// Stream transports. The socket outlives any request deadline.
	r.Get("/stream", a.handleSocket)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Post("/stream/poll", a.handleOpenPoll)
		r.Get("/stream/poll/{id}", a.handlePoll)
		r.Delete("/stream/poll/{id}", a.handleClosePoll)
	})

	// Collaborator and diagnostics endpoints
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Use(a.requireRole(proto.RoleAdmin))
		r.Post("/events", a.handlePublish)
		r.Get("/events", a.handleListEvents)
		r.Get("/stats", a.handleStats)
	})
}

func (a *ChiAPI) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handleReady reports ready while the broadcaster accepts commands
func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := a.services.Broadcaster.Stats(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleSocket upgrades to a WebSocket and serves the session
func (a *ChiAPI) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		a.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if err := a.services.Broadcaster.ServeSocket(r.Context(), conn); err != nil {
		a.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket session refused")
	}
}

// handleOpenPoll opens a long-polling session
func (a *ChiAPI) handleOpenPoll(w http.ResponseWriter, r *http.Request) {
	var req models.OpenPollRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	c, err := a.services.Broadcaster.OpenPoll(r.Context(), req.Token)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusCreated, proto.PollHandshakeResponse{
		ConnectionId: c.ID,
		Role:         c.Identity().Role,
	})
}

// handlePoll waits for frames on a polling session
func (a *ChiAPI) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wait := defaultPollWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			a.fail(w, r, apierrors.ValidationError("invalid_wait", "wait must be a non-negative number of seconds"))
			return
		}
		wait = time.Duration(seconds) * time.Second
	}

	frames, err := a.services.Broadcaster.Poll(r.Context(), id, wait)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, proto.PollResponse{Frames: frames})
}

// handleClosePoll ends a polling session
func (a *ChiAPI) handleClosePoll(w http.ResponseWriter, r *http.Request) {
	a.services.Broadcaster.ClosePoll(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// handlePublish publishes an event on behalf of a CRUD collaborator
func (a *ChiAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req models.PublishEventRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid publish request")
		a.fail(w, r, err)
		return
	}

	event := req.ToProto()
	if err := a.services.Broadcaster.Publish(r.Context(), event); err != nil {
		a.fail(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusAccepted, models.PublishedResponse{ID: event.Id})
}

// handleListEvents pages through the event journal
func (a *ChiAPI) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.QueryInt("limit", r.URL.Query().Get("limit"), defaultEventLimit, 1, maxEventLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	events, nextCursor, err := a.services.Journal.ListEvents(r.Context(), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list events")
		a.fail(w, r, err)
		return
	}

	response.WithMeta(w, r, http.StatusOK, models.EventsFromProto(events), models.PaginationMeta{
		Limit:      limit,
		NextCursor: nextCursor,
	})
}

// handleStats reports connection counts
func (a *ChiAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.services.Broadcaster.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

// requireRole rejects requests without a bearer token for one of roles
func (a *ChiAPI) requireRole(roles ...proto.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			identity, err := auth.Authorize(r.Context(), a.services.Validator, token, roles...)
			if err != nil {
				a.fail(w, r, err)
				return
			}

			logger := zerolog.Ctx(r.Context()).With().
				Str("user_id", identity.UserID).
				Str("role", string(identity.Role)).
				Logger()
			next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), logger)))
		})
	}
}

// fail counts the error and writes the error envelope
func (a *ChiAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromError(err)
	a.metrics.APIErrorsTotal.WithLabelValues(r.Method, routePattern(r), string(apiErr.Type)).Inc()
	response.Error(w, r, apiErr)
}

// metricsMiddleware records request counts and latency per route
func (a *ChiAPI) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		a.metrics.APIActiveConnections.Inc()
		defer a.metrics.APIActiveConnections.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps metric cardinality bounded by using the route template
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
