package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
}

// DefaultRateLimitConfig returns the limits applied to link issuance.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 60,
		Window:      time.Minute,
		KeyPrefix:   "roomgate:ratelimit",
	}
}

// RateLimit is a fixed-window limiter keyed by client IP and shared across
// replicas through Redis. It fails open when Redis is unavailable.
func RateLimit(client redis.UniversalClient, config RateLimitConfig, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		window := time.Now().Truncate(config.Window)
		key := config.KeyPrefix + ":" + c.IP() + ":" + strconv.FormatInt(window.Unix(), 10)

		pipe := client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, config.Window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error("rate limit redis error", zap.Error(err))
			return c.Next()
		}
		count := incr.Val()

		remaining := config.MaxRequests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		reset := window.Add(config.Window)
		c.Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(config.MaxRequests) {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(time.Until(reset).Seconds())+1))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
			})
		}

		return c.Next()
	}
}
