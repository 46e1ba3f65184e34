package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"github.com/pdfcompare/api/pkg/response"
)

// RateLimiter counts requests per user in fixed Redis windows.
// A nil client disables limiting.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// hit counts one request against key and returns the count in the current
// window and the time left in it.
func (rl *RateLimiter) hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	ttl, err := rl.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	// A window opens on the first hit, or again if a previous expire was lost
	if count == 1 || ttl < 0 {
		if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		ttl = window
	}
	return count, ttl, nil
}

// Limit creates a fixed-window rate limiting middleware keyed by user.
// Requests pass when Redis fails.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if rl.redis == nil || userID == "" {
			return c.Next()
		}

		key := "ratelimit:" + keyPrefix + ":" + userID
		count, ttl, err := rl.hit(c.UserContext(), key, window)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			return c.Next()
		}

		remaining := int64(maxRequests) - count
		if remaining < 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Round(time.Second).Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		return c.Next()
	}
}

// CompareLimit limits comparison submissions per hour
func (rl *RateLimiter) CompareLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("compare", maxPerHour, time.Hour)
}
