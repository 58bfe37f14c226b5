package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// CreateCase POST /api/cases
func (h *Handler) CreateCase(c *fiber.Ctx) error {
	var cs domain.Case
	if err := c.BodyParser(&cs); err != nil {
		return domain.NewValidationError("body", "invalid JSON")
	}
	if strings.TrimSpace(cs.Title) == "" {
		return domain.NewValidationError("title", "required")
	}
	if cs.Status != "" && !domain.ValidCaseStatus(cs.Status) {
		return domain.NewValidationError("status", "unknown status "+cs.Status)
	}
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}

	created, err := h.store.CreateCase(c.UserContext(), cs)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// GetCase GET /api/cases/:id
func (h *Handler) GetCase(c *fiber.Ctx) error {
	cs, err := h.store.GetCase(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(cs)
}

// UpdateCase PATCH /api/cases/:id
//
// Viewers are not notified from here; the editing client announces the
// stored case over its connection.
func (h *Handler) UpdateCase(c *fiber.Ctx) error {
	var patch domain.CasePatch
	if err := c.BodyParser(&patch); err != nil {
		return domain.NewValidationError("body", "invalid JSON")
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	cs, err := h.store.UpdateCase(c.UserContext(), c.Params("id"), patch)
	if err != nil {
		return err
	}
	return c.JSON(cs)
}
