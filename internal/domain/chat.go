package domain

import (
	"strings"
	"time"
)

// ProvisionalPrefix marks ids minted locally for optimistic records.
// Canonical ids never carry it.
const ProvisionalPrefix = "local-"

// ChatMessage is a direct message between two identities. It is never
// mutated after creation except for the Read flag.
type ChatMessage struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	ReceiverID   string    `json:"receiverId"`
	ReceiverName string    `json:"receiverName,omitempty"`
	Body         string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
}

// IsProvisional reports whether the message still carries a local id.
func (m ChatMessage) IsProvisional() bool {
	return IsProvisionalID(m.ID)
}

// Counterpart returns the other party of the message as seen by self.
func (m ChatMessage) Counterpart(self string) (id, name string) {
	if m.SenderID == self {
		return m.ReceiverID, m.ReceiverName
	}
	return m.SenderID, m.SenderName
}

// Validate checks the fields required before a message is stored or sent.
func (m ChatMessage) Validate() error {
	var errs []FieldError
	if strings.TrimSpace(m.SenderID) == "" {
		errs = append(errs, FieldError{Field: "senderId", Message: "required"})
	}
	if strings.TrimSpace(m.ReceiverID) == "" {
		errs = append(errs, FieldError{Field: "receiverId", Message: "required"})
	}
	if m.SenderID != "" && m.SenderID == m.ReceiverID {
		errs = append(errs, FieldError{Field: "receiverId", Message: "must differ from senderId"})
	}
	if strings.TrimSpace(m.Body) == "" {
		errs = append(errs, FieldError{Field: "message", Message: "required"})
	}
	if IsProvisionalID(m.ID) {
		errs = append(errs, FieldError{Field: "id", Message: "provisional ids cannot be stored"})
	}
	if len(errs) > 0 {
		return NewValidationErrors(errs)
	}
	return nil
}

// IsProvisionalID reports whether id was minted for an optimistic record.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// ConversationSummary is the per-counterpart digest of a conversation.
// LastMessageTime is the newest timestamp seen in the conversation and
// UnreadCount counts inbound unread messages from the counterpart.
type ConversationSummary struct {
	OtherID         string    `json:"otherUserId"`
	OtherName       string    `json:"otherUserName"`
	OtherRole       string    `json:"otherUserRole,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}
