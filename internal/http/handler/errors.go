package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/RoomGate/internal/app/service"
)

type linkError struct {
	StatusCode int
	Message    string
}

// mapError translates registry errors into responses. Messages are generic;
// none of them names the token or the room.
func mapError(err error) *linkError {
	switch {
	case errors.Is(err, service.ErrInvalidResource):
		return &linkError{fiber.StatusBadRequest, "invalid room"}
	case errors.Is(err, service.ErrInvalidMode):
		return &linkError{fiber.StatusBadRequest, "invalid link mode"}
	case errors.Is(err, service.ErrNotFound):
		return &linkError{fiber.StatusUnauthorized, "this link is not valid"}
	case errors.Is(err, service.ErrForbidden):
		return &linkError{fiber.StatusForbidden, "this link is in use on another device"}
	case errors.Is(err, service.ErrExpired):
		return &linkError{fiber.StatusGone, "this link has expired or was already used"}
	case errors.Is(err, service.ErrConflict):
		return &linkError{fiber.StatusConflict, "this link is busy, try again"}
	case errors.Is(err, service.ErrStore):
		return &linkError{fiber.StatusBadGateway, "service temporarily unavailable"}
	default:
		return &linkError{fiber.StatusInternalServerError, "internal server error"}
	}
}

func (e *linkError) logged() bool {
	return e.StatusCode >= fiber.StatusInternalServerError
}

func jsonError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}
