package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/RoomGate/internal/app/model"
	"github.com/sifan077/RoomGate/internal/app/service"
	"github.com/sifan077/RoomGate/internal/infra/logger"
	"go.uber.org/zap"
)

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger   *zap.Logger
	Registry service.LinkRegistry
	Cookies  *ClientCookies
	// IssueGuard runs before issuance routes, e.g. a rate limiter.
	IssueGuard fiber.Handler
	// AdminGuard runs before revoke.
	AdminGuard fiber.Handler
}

// APIHandler implements the link management endpoints.
type APIHandler struct {
	logger     *zap.Logger
	registry   service.LinkRegistry
	cookies    *ClientCookies
	issueGuard fiber.Handler
	adminGuard fiber.Handler
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pass := func(c *fiber.Ctx) error { return c.Next() }
	h := &APIHandler{
		logger:     log,
		registry:   deps.Registry,
		cookies:    deps.Cookies,
		issueGuard: deps.IssueGuard,
		adminGuard: deps.AdminGuard,
	}
	if h.issueGuard == nil {
		h.issueGuard = pass
	}
	if h.adminGuard == nil {
		h.adminGuard = pass
	}
	return h
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	links := router.Group("/links", noStore)
	{
		links.Post("/", h.issueGuard, h.Issue)
		links.Post("/:token/heartbeat", h.Heartbeat)
		links.Post("/:token/leave", h.Leave)
		links.Delete("/:token", h.adminGuard, h.Revoke)
	}

	router.Post("/api/request-join", noStore, h.issueGuard, h.RequestJoin)
}

// IssueRequest is the body of POST /links.
type IssueRequest struct {
	ResourceRef string `json:"resource_ref" validate:"omitempty,resource_ref"`
	Mode        string `json:"mode" validate:"omitempty,link_mode"`
}

// IssueResponse is returned by POST /links.
type IssueResponse struct {
	Token      string `json:"token"`
	RedeemPath string `json:"redeem_path"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Issue handles POST /links
func (h *APIHandler) Issue(c *fiber.Ctx) error {
	var req IssueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, validationMessage(err))
	}

	issued, err := h.registry.Issue(userContext(c), service.IssueInput{
		ResourceRef: req.ResourceRef,
		Mode:        model.Mode(req.Mode),
	})
	if err != nil {
		return h.fail(c, "issue", err)
	}

	h.logger.Debug("link issued", logger.Token(issued.Token), zap.String("mode", string(issued.Record.Mode)))
	return c.Status(fiber.StatusCreated).JSON(IssueResponse{
		Token:      issued.Token,
		RedeemPath: issued.RedeemPath,
		TTLSeconds: int64(issued.TTL / time.Second),
	})
}

// RequestJoinRequest is the body of the legacy POST /api/request-join.
type RequestJoinRequest struct {
	Room string `json:"room" validate:"omitempty,resource_ref"`
}

// RequestJoin handles POST /api/request-join, issuing with the default mode.
func (h *APIHandler) RequestJoin(c *fiber.Ctx) error {
	var req RequestJoinRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, validationMessage(err))
	}

	issued, err := h.registry.Issue(userContext(c), service.IssueInput{ResourceRef: req.Room})
	if err != nil {
		return h.fail(c, "request-join", err)
	}

	return c.JSON(fiber.Map{
		"joinUrl": "/join/" + issued.Token,
		"ttl":     int64(issued.TTL / time.Second),
	})
}

// ClientRequest carries an explicit client id; the cookie is used when it is empty.
type ClientRequest struct {
	ClientID string `json:"client_id" validate:"omitempty,max=128"`
}

// Heartbeat handles POST /links/:token/heartbeat
func (h *APIHandler) Heartbeat(c *fiber.Ctx) error {
	clientID, err := h.clientID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}

	rec, err := h.registry.Heartbeat(userContext(c), c.Params("token"), clientID)
	if err != nil {
		return h.fail(c, "heartbeat", err)
	}

	return c.JSON(fiber.Map{
		"ok":        true,
		"last_seen": rec.LastSeen,
	})
}

// Leave handles POST /links/:token/leave
func (h *APIHandler) Leave(c *fiber.Ctx) error {
	clientID, err := h.clientID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.registry.Leave(userContext(c), c.Params("token"), clientID); err != nil {
		return h.fail(c, "leave", err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Revoke handles DELETE /links/:token
func (h *APIHandler) Revoke(c *fiber.Ctx) error {
	token := c.Params("token")
	if err := h.registry.Revoke(userContext(c), token); err != nil {
		return h.fail(c, "revoke", err)
	}
	h.logger.Info("link revoked", logger.Token(token))
	return c.JSON(fiber.Map{"ok": true})
}

type badRequest string

func (e badRequest) Error() string { return string(e) }

func (h *APIHandler) clientID(c *fiber.Ctx) (string, error) {
	var req ClientRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return "", badRequest("invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return "", badRequest(validationMessage(err))
		}
	}
	if req.ClientID != "" {
		return req.ClientID, nil
	}
	if h.cookies == nil {
		return "", nil
	}
	id, _ := h.cookies.Lookup(c)
	return id, nil
}

func (h *APIHandler) fail(c *fiber.Ctx, op string, err error) error {
	le := mapError(err)
	if le.logged() {
		h.logger.Error("link operation failed", zap.String("op", op), zap.Error(err))
	}
	return jsonError(c, le.StatusCode, le.Message)
}

func noStore(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Next()
}

func userContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
