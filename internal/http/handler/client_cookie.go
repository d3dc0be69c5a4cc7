package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	httpUtil "github.com/sifan077/RoomGate/internal/http/util"
)

// ClientCookies carries the signed visitor id that owner-claimed links bind to.
type ClientCookies struct {
	Name   string
	Signer *httpUtil.ClientIDSigner
	Secure bool
	MaxAge time.Duration
}

// Resolve returns the caller's client id, issuing a fresh cookie when the
// request has none or carries one that fails verification.
func (cc *ClientCookies) Resolve(c *fiber.Ctx) string {
	if id, ok := cc.Lookup(c); ok {
		return id
	}

	id, value := cc.Signer.Issue()
	c.Cookie(&fiber.Cookie{
		Name:     cc.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(cc.MaxAge.Seconds()),
		Secure:   cc.Secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

// Lookup reads the client id without issuing one. The id outlives the request.
func (cc *ClientCookies) Lookup(c *fiber.Ctx) (string, bool) {
	raw := utils.CopyString(c.Cookies(cc.Name))
	if raw == "" {
		return "", false
	}
	id, err := cc.Signer.Verify(raw)
	if err != nil {
		return "", false
	}
	return id, true
}
