package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/store"
)

const maxMessageLimit = 500

type readRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Conversations GET /api/chat/conversations?userId=
func (h *Handler) Conversations(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		return domain.NewValidationError("userId", "required")
	}
	if err := actingAs(c, userID); err != nil {
		return err
	}

	out, err := h.store.Conversations(c.UserContext(), userID)
	if err != nil {
		return err
	}
	if out == nil {
		out = []domain.ConversationSummary{}
	}
	return c.JSON(out)
}

// Messages GET /api/chat/messages?userId=&otherUserId=&limit=
func (h *Handler) Messages(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("userId"))
	otherID := strings.TrimSpace(c.Query("otherUserId"))
	if userID == "" || otherID == "" {
		return domain.NewValidationError("userId", "userId and otherUserId are required")
	}
	if err := actingAs(c, userID); err != nil {
		return err
	}

	limit := c.QueryInt("limit", store.DefaultMessageLimit)
	if limit <= 0 {
		limit = store.DefaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)

	out, err := h.store.Messages(c.UserContext(), userID, otherID, limit)
	if err != nil {
		return err
	}
	if out == nil {
		out = []domain.ChatMessage{}
	}
	return c.JSON(out)
}

// SendMessage POST /api/chat/messages
//
// The client-minted id is kept, so a retried send returns the stored
// message instead of creating a second one.
func (h *Handler) SendMessage(c *fiber.Ctx) error {
	var msg domain.ChatMessage
	if err := c.BodyParser(&msg); err != nil {
		return domain.NewValidationError("body", "invalid JSON")
	}
	if err := actingAs(c, msg.SenderID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.clock.Now().UTC()
	}
	msg.Read = false
	if err := msg.Validate(); err != nil {
		return err
	}

	stored, err := h.store.SaveMessage(c.UserContext(), msg)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(stored)
}

// MarkRead POST /api/chat/read
func (h *Handler) MarkRead(c *fiber.Ctx) error {
	var req readRequest
	if err := c.BodyParser(&req); err != nil {
		return domain.NewValidationError("body", "invalid JSON")
	}
	if req.SenderID == "" || req.ReceiverID == "" {
		return domain.NewValidationError("senderId", "senderId and receiverId are required")
	}
	if err := actingAs(c, req.ReceiverID); err != nil {
		return err
	}

	n, err := h.store.MarkRead(c.UserContext(), req.ReceiverID, req.SenderID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"updated": n})
}
