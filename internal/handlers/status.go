package handlers

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

type statusResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Groups      int    `json:"groups"`
	Version     string `json:"version"`
}

// Status GET /api/status
func (h *Handler) Status(c *fiber.Ctx) error {
	conns, groups := h.hub.Stats()
	resp := statusResponse{Status: "ok", Connections: conns, Groups: groups, Version: h.version}

	if err := h.store.Ping(c.UserContext()); err != nil {
		h.log.Warn("store ping failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}
