package domain

import (
	"strings"
	"time"
)

// Case statuses.
const (
	CaseOpen       = "open"
	CaseInProgress = "in_progress"
	CaseClosed     = "closed"
)

// Case is the tracked resource viewers subscribe to.
type Case struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CasePatch is a partial update. Nil fields are left untouched.
type CasePatch struct {
	Title      *string `json:"title,omitempty"`
	Status     *string `json:"status,omitempty"`
	AssigneeID *string `json:"assigneeId,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// Apply returns c with the patch applied. UpdatedAt is not touched.
func (p CasePatch) Apply(c Case) Case {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AssigneeID != nil {
		c.AssigneeID = *p.AssigneeID
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	return c
}

// Validate rejects empty patches and unknown statuses.
func (p CasePatch) Validate() error {
	if p.Title == nil && p.Status == nil && p.AssigneeID == nil && p.Notes == nil {
		return NewValidationError("patch", "at least one field is required")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return NewValidationError("title", "must not be empty")
	}
	if p.Status != nil && !ValidCaseStatus(*p.Status) {
		return NewValidationError("status", "unknown status "+*p.Status)
	}
	return nil
}

// ValidCaseStatus reports whether s is a known status.
func ValidCaseStatus(s string) bool {
	switch s {
	case CaseOpen, CaseInProgress, CaseClosed:
		return true
	}
	return false
}
