package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// upgradeOnly rejects plain HTTP requests to the websocket endpoint.
func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// serveWS hands the socket to the hub. Identity is established by the
// authenticate event, not by the upgrade request.
func (h *Handler) serveWS(c *websocket.Conn) {
	h.hub.Serve(c)
}
