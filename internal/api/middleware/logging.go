package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietRoutes are polled by clients and health checks often enough that a
// successful hit is only worth a debug line.
var quietRoutes = map[string]bool{
	"GET /approvals": true,
	"GET /health":    true,
	"GET /metrics":   true,
}

// Logger returns a request logging middleware using zerolog. Streamed
// responses are logged once the stream closes. Server errors log at error
// level, polled routes at debug.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}

				ev := logger.Info()
				switch {
				case status >= http.StatusInternalServerError:
					ev = logger.Error()
				case status < http.StatusBadRequest && quietRoutes[r.Method+" "+route]:
					ev = logger.Debug()
				}

				ev.Str("method", r.Method).
					Str("route", route).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("latency", time.Since(start)).
					Bool("stream", strings.HasPrefix(ww.Header().Get("Content-Type"), "text/event-stream")).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
