package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Middleware is a chi middleware that times every request and records it
// under its route template with the status the client received. A handler
// that panics before writing a status is recorded as 500, and the panic keeps
// propagating to the outer recoverer.
func (o *Observer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		completed := false
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
				if !completed {
					status = http.StatusInternalServerError
				}
			}
			o.Observe(r.Method, RouteTemplate(r), status, time.Since(start),
				zap.String("remote", r.RemoteAddr),
				zap.String("ua", r.UserAgent()),
			)
		}()

		next.ServeHTTP(ww, r)
		completed = true
	})
}

// RouteTemplate returns the pattern chi matched (e.g. /api/items/{id}), or the
// raw path when routing did not match anything. Call it after routing.
func RouteTemplate(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
