package handlers

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-desk/internal/auth"
	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

const identityKey = "identity"

// AccessLog logs one line per request. Errors are rendered through the
// app's error handler first so the logged status is the one sent.
func AccessLog(log *slog.Logger) fiber.Handler {
	log = log.With("component", "http")

	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(c.UserContext(), level, "request",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		)
		return nil
	}
}

// RequireIdentity verifies the bearer token when tokens are enabled and
// stores the identity for the route. Without a verifier it is a no-op.
func (h *Handler) RequireIdentity(c *fiber.Ctx) error {
	if h.verifier == nil {
		return c.Next()
	}
	id, err := h.verifier.Verify(auth.BearerToken(c.Get(fiber.HeaderAuthorization)))
	if err != nil {
		return err
	}
	c.Locals(identityKey, id)
	return c.Next()
}

// actingAs fails unless the caller may act as userID. With tokens
// disabled every caller may.
func actingAs(c *fiber.Ctx, userID string) error {
	id, ok := c.Locals(identityKey).(domain.Identity)
	if !ok {
		return nil
	}
	if id.ID != userID {
		return fiber.NewError(fiber.StatusForbidden, "token does not match "+userID)
	}
	return nil
}

// actingAsQuery applies actingAs to a query parameter. It sits ahead of the
// response cache, so a cached body is only served to its owner. A missing
// parameter is left to the handler's validation.
func actingAsQuery(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID := strings.TrimSpace(c.Query(param)); userID != "" {
			if err := actingAs(c, userID); err != nil {
				return err
			}
		}
		return c.Next()
	}
}
