package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware caps how long a request's context stays live.
// The handler is not forcibly stopped; downstream stages observe the
// deadline through ctx.Done, which both the fetcher and the sandbox
// executor honor.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
