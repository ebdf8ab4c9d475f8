package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terradev/terradev/internal/logging"
)

// RateLimiter enforces a per-client request budget at the HTTP edge,
// backed by redis so the count survives restarts and is shared across
// replicas. This is separate from the outbound provider governor.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Limit caps each client IP at requestsPerMinute. Redis outages fail
// open: the request proceeds and the failure is logged.
func (rl *RateLimiter) Limit(requestsPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.client == nil || requestsPerMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			window := time.Now().Unix() / 60
			key := fmt.Sprintf("ratelimit:%s:%d", clientIP(r), window)

			count, err := rl.client.Incr(ctx, key).Result()
			if err != nil {
				logging.Warn("rate limit check failed", map[string]interface{}{
					"request_id": GetRequestID(ctx),
					"error":      err.Error(),
				})
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				rl.client.Expire(ctx, key, time.Minute)
			}

			reset := strconv.FormatInt((window+1)*60, 10)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
			w.Header().Set("X-RateLimit-Reset", reset)

			if count > int64(requestsPerMinute) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				RespondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(requestsPerMinute)-count, 10))

			next.ServeHTTP(w, r)
		})
	}
}
