package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// ErrorHandler renders errors as {"error": message} with the status their
// domain kind maps to.
func ErrorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code, msg := statusOf(err)
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed",
				slog.String("path", c.Path()),
				slog.String("error", err.Error()),
			)
		}
		return c.Status(code).JSON(fiber.Map{"error": msg})
	}
}

func statusOf(err error) (int, string) {
	var ferr *fiber.Error
	switch {
	case errors.As(err, &ferr):
		return ferr.Code, ferr.Message
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, err.Error()
	}
	return fiber.StatusInternalServerError, "internal error"
}
