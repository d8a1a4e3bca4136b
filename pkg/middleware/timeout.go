package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Timeout bounds each request with a context deadline. When the handler is
// still running at the deadline and has not written anything, the client gets
// a 504; a handler that already started writing keeps the connection.
func Timeout(limit time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			tw := &trackedWriter{ResponseWriter: w}
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-finished:
			case <-ctx.Done():
				if tw.touched {
					return
				}
				slog.Warn("request exceeded time limit",
					"method", r.Method,
					"path", r.URL.Path,
					"limit", limit,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				w.Write([]byte(`{"error":"request timeout"}`))
			}
		})
	}
}

// trackedWriter records whether the handler wrote anything before the
// deadline fired.
type trackedWriter struct {
	http.ResponseWriter
	touched bool
}

func (tw *trackedWriter) WriteHeader(code int) {
	tw.touched = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackedWriter) Write(b []byte) (int, error) {
	tw.touched = true
	return tw.ResponseWriter.Write(b)
}
