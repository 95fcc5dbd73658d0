package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascata/backend/internal/apperr"
	"github.com/cascata/backend/internal/reqctx"
)

// RateLimiter enforces per-request-shape limits backed by the shared Redis
// store so replicas count together. Window: fixed one minute per key.
type RateLimiter struct {
	rdb    *redis.Client
	perMin int
	logger *log.Logger
}

// NewRateLimiter creates the limiter with a default per-minute budget.
func NewRateLimiter(rdb *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 300
	}
	return &RateLimiter{
		rdb:    rdb,
		perMin: perMinute,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// key builds the counter key: (slug, path, method, role, client ip).
func (rl *RateLimiter) key(r *http.Request) string {
	slug := "-"
	if project, err := reqctx.Project(r.Context()); err == nil {
		slug = project.Slug
	}
	role := "-"
	if id, err := reqctx.Identity(r.Context()); err == nil {
		role = string(id.Role)
	}
	window := time.Now().Unix() / 60
	return fmt.Sprintf("cascata:rl:%s:%s:%s:%s:%s:%d",
		slug, r.URL.Path, r.Method, role, ClientIP(r), window)
}

// allow increments the counter and reports remaining budget. Redis failures
// fail open; rate limiting is a soft control.
func (rl *RateLimiter) allow(ctx context.Context, key string) (remaining int, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		return rl.perMin, true
	}
	if count == 1 {
		rl.rdb.Expire(ctx, key, 2*time.Minute)
	}
	remaining = rl.perMin - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, int(count) <= rl.perMin
}

// Middleware applies the limit and sets the standard X-RateLimit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Admin traffic is never throttled.
		if id, err := reqctx.Identity(r.Context()); err == nil && id.Admin {
			next.ServeHTTP(w, r)
			return
		}

		remaining, ok := rl.allow(r.Context(), rl.key(r))
		reset := 60 - time.Now().Unix()%60

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !ok {
			rl.logger.Printf("Rate limit exceeded: %s %s from %s", r.Method, r.URL.Path, ClientIP(r))
			w.Header().Set("Retry-After", strconv.FormatInt(reset, 10))
			apperr.Write(w, r, apperr.New(apperr.RateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
