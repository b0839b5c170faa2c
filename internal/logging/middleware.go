package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HTTPMiddleware logs one line per request and stores a request-scoped
// logger in the context. Stream upgrades are logged when they end, so their
// duration is the session length.
func HTTPMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := middleware.GetReqID(r.Context())
			if requestID == "" {
				requestID = r.Header.Get("X-Request-ID")
			}

			logger := FromContext(r.Context()).With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", requestID).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithContext(r.Context(), logger)))

			status := ww.Status()
			if status == 0 {
				// Hijacked for a WebSocket, or nothing written
				status = http.StatusSwitchingProtocols
				if r.Header.Get("Upgrade") == "" {
					status = http.StatusOK
				}
			}

			var entry *zerolog.Event
			switch {
			case status >= 500:
				entry = logger.Error()
			case status >= 400:
				entry = logger.Warn()
			default:
				entry = logger.Debug()
			}

			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				entry = entry.Str("route", rctx.RoutePattern())
			}
			entry.
				Int("status", status).
				Dur("duration", time.Since(start)).
				Int("bytes", ww.BytesWritten()).
				Msg("Request completed")
		})
	}
}
