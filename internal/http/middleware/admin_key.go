package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminKey guards administrative routes with a static bearer key. An empty
// key disables the guard.
func AdminKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" {
			return c.Next()
		}

		auth := c.Get(fiber.HeaderAuthorization)
		provided, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing admin key"})
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "invalid admin key"})
		}

		return c.Next()
	}
}
