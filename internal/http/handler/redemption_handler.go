package handler

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/RoomGate/internal/app/conference"
	"github.com/sifan077/RoomGate/internal/app/model"
	"github.com/sifan077/RoomGate/internal/app/service"
	"github.com/sifan077/RoomGate/internal/http/view"
	"github.com/sifan077/RoomGate/internal/infra/logger"
	"go.uber.org/zap"
)

const maxDisplayNameLength = 48

// RedemptionDeps groups dependencies required by the browser-facing routes.
type RedemptionDeps struct {
	Logger            *zap.Logger
	Registry          service.LinkRegistry
	Conference        *conference.Provider
	Cookies           *ClientCookies
	Conceal           bool
	HeartbeatInterval time.Duration
}

// RedemptionHandler turns a link into a rendered room page.
type RedemptionHandler struct {
	logger            *zap.Logger
	registry          service.LinkRegistry
	conference        *conference.Provider
	cookies           *ClientCookies
	conceal           bool
	heartbeatInterval time.Duration
}

// NewRedemptionHandler creates a redemption handler.
func NewRedemptionHandler(deps RedemptionDeps) *RedemptionHandler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interval := deps.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RedemptionHandler{
		logger:            log,
		registry:          deps.Registry,
		conference:        deps.Conference,
		cookies:           deps.Cookies,
		conceal:           deps.Conceal,
		heartbeatInterval: interval,
	}
}

// Register wires browser routes onto the provided router.
func (h *RedemptionHandler) Register(router fiber.Router) {
	router.Get("/links/:token", pageHeaders, h.Open)
	router.Get("/links/:token/embed", pageHeaders, h.Embed)
	router.Get("/join/:token", pageHeaders, h.Open)
}

// Open handles GET /links/:token. With concealment on it only answers with
// the shell that frames the embed path.
func (h *RedemptionHandler) Open(c *fiber.Ctx) error {
	token := c.Params("token")
	if !h.conceal {
		return h.renderRoom(c, token)
	}

	rec, err := h.registry.Peek(userContext(c), token)
	if err != nil {
		return h.fail(c, "peek", token, err)
	}
	// Owner-claimed links are claimed here so a second device is refused
	// before the shell is ever served.
	if rec.Mode == model.ModeOwnerClaimed {
		if _, err := h.registry.Redeem(userContext(c), token, h.cookies.Resolve(c)); err != nil {
			return h.fail(c, "redeem", token, err)
		}
	}

	embedPath := service.RedeemPath(token) + "/embed"
	if name := displayNameFrom(c.Query("name")); name != "" {
		embedPath += "?" + url.Values{"name": {name}}.Encode()
	}
	html, err := view.RenderShellPage(view.ShellPageData{EmbedPath: embedPath})
	if err != nil {
		return h.fail(c, "render", token, err)
	}
	return c.Type("html", "utf-8").SendString(html)
}

// Embed handles GET /links/:token/embed
func (h *RedemptionHandler) Embed(c *fiber.Ctx) error {
	if !h.conceal {
		return fiber.ErrNotFound
	}
	return h.renderRoom(c, c.Params("token"))
}

func (h *RedemptionHandler) renderRoom(c *fiber.Ctx, token string) error {
	clientID := h.cookies.Resolve(c)
	rec, err := h.registry.Redeem(userContext(c), token, clientID)
	if err != nil {
		return h.fail(c, "redeem", token, err)
	}

	displayName := displayNameFrom(c.Query("name"))
	room, err := h.conference.Room(rec.ResourceRef, displayName)
	if err != nil {
		return h.fail(c, "room", token, err)
	}

	path := service.RedeemPath(token)
	html, err := view.RenderEmbedPage(view.EmbedPageData{
		Domain:        room.Domain,
		RoomName:      room.Name,
		ScriptURL:     room.ScriptURL,
		JWT:           room.JWT,
		DisplayName:   displayName,
		HeartbeatPath: path + "/heartbeat",
		LeavePath:     path + "/leave",
		HeartbeatMs:   h.heartbeatInterval.Milliseconds(),
		Heartbeat:     rec.Mode == model.ModeOwnerClaimed || rec.Mode == model.ModeEphemeralTTL,
	})
	if err != nil {
		return h.fail(c, "render", token, err)
	}
	return c.Type("html", "utf-8").SendString(html)
}

func (h *RedemptionHandler) fail(c *fiber.Ctx, op, token string, err error) error {
	le := mapError(err)
	if le.logged() {
		h.logger.Error("redemption failed", zap.String("op", op), logger.Token(token), zap.Error(err))
	}

	html, renderErr := view.RenderErrorPage(view.ErrorPageData{Status: le.StatusCode, Message: le.Message})
	if renderErr != nil {
		return fiber.NewError(le.StatusCode, le.Message)
	}
	return c.Status(le.StatusCode).Type("html", "utf-8").SendString(html)
}

func pageHeaders(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
	c.Set(fiber.HeaderXFrameOptions, "SAMEORIGIN")
	return c.Next()
}

func displayNameFrom(raw string) string {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		name = string([]rune(name)[:maxDisplayNameLength])
	}
	return name
}
