package middleware

import (
	"regexp"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	// LocalRequestID is the fiber.Ctx Locals key holding the request id.
	LocalRequestID = "request_id"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID tags each request with an id, reusing a well-formed inbound one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rid := c.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(RequestIDHeader, rid)
		c.Locals(LocalRequestID, rid)
		return c.Next()
	}
}

func requestID(c *fiber.Ctx) string {
	rid, _ := c.Locals(LocalRequestID).(string)
	return rid
}
