package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/djb258/garage-mcp/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID so rejections carry the standard
// error envelope. Injected to avoid importing the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware rejects requests with 429 once the key's bucket is empty.
// Limiter errors are logged and the request is let through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
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

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
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

// IPKeyFunc keys on the client address from RemoteAddr. X-Forwarded-For is
// not trusted since any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// PrefixedIPKeyFunc scopes IPKeyFunc under prefix so separate routes get
// separate buckets.
func PrefixedIPKeyFunc(prefix string) KeyFunc {
	return func(r *http.Request) string {
		ip := IPKeyFunc(r)
		if ip == "" {
			return ""
		}
		return prefix + ":" + ip
	}
}
