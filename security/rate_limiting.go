package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis     *redis.Client
	perMinute int
}

func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{redis: redisClient, perMinute: perMinute}
}

// Limit is a fixed-window per-client limiter over Redis. Authenticated
// requests are counted per user, anonymous ones per IP. Redis trouble
// fails open; throttling must never take the API down with it.
func (r *RateLimiter) Limit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		key := fmt.Sprintf("ratelimit:%s", r.clientID(e))

		count, err := r.redis.Incr(context.Background(), key).Result()
		if err != nil {
			return e.Next()
		}
		if count == 1 {
			r.redis.Expire(context.Background(), key, time.Minute)
		}
		if count > int64(r.perMinute) {
			return apis.NewApiError(http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", nil)
		}

		return e.Next()
	}
}

// AntiBot rejects obvious scraper user agents and IPs hammering the
// queue endpoints.
func (r *RateLimiter) AntiBot() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		userAgent := e.Request.Header.Get("User-Agent")
		if isSuspiciousUserAgent(userAgent) {
			return apis.NewForbiddenError("Access denied", nil)
		}

		key := fmt.Sprintf("antibot:%s", e.RealIP())
		count, err := r.redis.Incr(context.Background(), key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(context.Background(), key, time.Minute)
			}
			if count > 30 {
				return apis.NewApiError(http.StatusTooManyRequests, "Too many requests", nil)
			}
		}

		return e.Next()
	}
}

func (r *RateLimiter) clientID(e *core.RequestEvent) string {
	if e.Auth != nil {
		return fmt.Sprintf("user:%s", e.Auth.Id)
	}
	return fmt.Sprintf("ip:%s", e.RealIP())
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
