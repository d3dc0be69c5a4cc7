package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/RoomGate/internal/infra/logger"
	"go.uber.org/zap"
)

// Logger creates a logging middleware using zap. Paths are logged as route
// patterns; a token parameter is logged only as its fingerprint.
func Logger(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}

		fields := append(requestFields(c),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
			zap.String("user_agent", c.Get(fiber.HeaderUserAgent)),
		)

		switch {
		case err != nil:
			log.Error("request error", append(fields, zap.Error(err))...)
		case status >= fiber.StatusInternalServerError:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}

		return err
	}
}

// requestFields identifies the request without exposing tokens.
func requestFields(c *fiber.Ctx) []zap.Field {
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("route", routePattern(c)),
	}
	if token := c.Params("token"); token != "" {
		fields = append(fields, logger.Token(token))
	}
	if rid := requestID(c); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	return fields
}

func routePattern(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
		return r.Path
	}
	// Unmatched requests fall through to the root handler; never log their raw path.
	return "unmatched"
}
