package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dhruvvootkuri/haven/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key
// exempts the request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc pulls the request ID out of the request so limited
// responses can echo it. The caller supplies it; this package has no
// view into how IDs are stored.
type RequestIDFunc func(r *http.Request) string

// retryHinter is implemented by limiters that can estimate how long a
// rejected caller should back off.
type retryHinter interface {
	RetryAfter() time.Duration
}

// Middleware returns HTTP middleware enforcing a rate limit. A nil
// limiter disables limiting for the wrapped routes. Limiter errors fail
// open: a broken limiter must not take down intake traffic.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := time.Second
	if h, ok := limiter.(retryHinter); ok {
		retryAfter = h.RetryAfter()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, failing open", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			writeLimited(w, requestID, retryAfter)
		})
	}
}

// writeLimited sends the 429 in the standard API error envelope.
func writeLimited(w http.ResponseWriter, requestID string, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys a request by its client IP. Only RemoteAddr is
// consulted: X-Forwarded-For is attacker-controlled unless a trusted
// proxy strips it, and Haven cannot assume one is present. Deployments
// behind a proxy should have the proxy rewrite RemoteAddr (e.g. the
// nginx realip module).
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
