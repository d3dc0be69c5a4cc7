package handler

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	httpUtil "github.com/sifan077/RoomGate/internal/http/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCookies_LookupOutlivesRequest(t *testing.T) {
	signer, err := httpUtil.NewClientIDSigner([]byte(strings.Repeat("s", 32)))
	require.NoError(t, err)
	cookies := &ClientCookies{Name: cookieName, Signer: signer, MaxAge: time.Hour}

	var seen []string
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		id, ok := cookies.Lookup(c)
		if !ok {
			return fiber.ErrForbidden
		}
		seen = append(seen, id)
		return c.SendStatus(fiber.StatusNoContent)
	})

	firstID, first := signer.Issue()
	secondID, second := signer.Issue()
	for _, value := range []string{first, second} {
		resp, err := app.Test(withCookie(httptest.NewRequest("GET", "/", nil), value), -1)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	}

	// Request buffers are recycled; ids kept from earlier requests must not change.
	assert.Equal(t, []string{firstID, secondID}, seen)

	resp, err := app.Test(withCookie(httptest.NewRequest("GET", "/", nil), first+"x"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
