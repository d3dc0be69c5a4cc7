package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// RequestObserver records request latency.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

// Metrics reports each request to obs under its route pattern.
func Metrics(obs RequestObserver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		obs.ObserveRequest(c.Method(), routePattern(c), status, time.Since(start))
		return err
	}
}
