package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Recovery recovers from panics and logs the error
func Recovery(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				fields := append(requestFields(c),
					zap.Error(fmt.Errorf("panic recovered: %v", r)),
					zap.ByteString("stack", debug.Stack()),
				)
				log.Error("panic recovered", fields...)

				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "internal server error",
				})
			}
		}()

		return c.Next()
	}
}
