package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TimeoutMiddleware puts a deadline on the request context. A non-positive
// timeout leaves requests unbounded. Handlers observe the deadline
// cooperatively; a request that overruns it is tagged in the request log.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				AddLogField(r.Context(), "timeout", timeout.String())
			}
		})
	}
}
