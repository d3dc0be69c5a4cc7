package handler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const readyTimeout = 2 * time.Second

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	logger *zap.Logger
	checks map[string]Check
}

// NewHealthHandler creates a health handler running the named readiness checks.
func NewHealthHandler(logger *zap.Logger, checks map[string]Check) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, checks: checks}
}

// Register wires health routes onto the provided router.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/", h.Health)
	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)
}

// Health is a simple root endpoint so we know the service is running.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "roomgate",
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready runs every check concurrently and answers 503 if any fails.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(userContext(c), readyTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
		failed  []string
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			status := "ok"
			if err := check(ctx); err != nil {
				status = "unavailable"
				h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			}
			mu.Lock()
			results[name] = status
			if status != "ok" {
				failed = append(failed, name)
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"checks": results,
			"failed": failed,
		})
	}
	return c.JSON(fiber.Map{
		"status": "ok",
		"checks": results,
	})
}
