package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// ErrUnknownEvent is returned for frames outside the vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

// Decode validates a client frame and returns its typed form. Event meta
// (id, timestamp) is left as supplied; the broadcaster fills the gaps.
func Decode(env Envelope) (Inbound, error) {
	switch {
	case env.Event == EventAuthenticate:
		var p AuthenticatePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.UserID) == "" && p.Token == "" {
			return nil, domain.NewValidationError("userId", "userId or token is required")
		}
		return Authenticate{AuthenticatePayload: p}, nil

	case strings.HasPrefix(env.Event, joinPrefix), strings.HasPrefix(env.Event, leavePrefix):
		return decodeMembership(env)

	case env.Event == EventChatSend:
		var p ChatSendPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		msg := domain.ChatMessage{
			ID:           p.ID,
			SenderID:     p.SenderID,
			SenderName:   p.SenderName,
			ReceiverID:   p.ReceiverID,
			ReceiverName: p.ReceiverName,
			Body:         p.Message,
		}
		if p.Timestamp != nil {
			msg.Timestamp = *p.Timestamp
		}
		// Sender may be filled from the authenticated identity later, so only
		// the receiver and body are checked here.
		if strings.TrimSpace(msg.ReceiverID) == "" {
			return nil, domain.NewValidationError("receiverId", "required")
		}
		if strings.TrimSpace(msg.Body) == "" {
			return nil, domain.NewValidationError("message", "required")
		}
		if domain.IsProvisionalID(msg.ID) {
			return nil, domain.NewValidationError("id", "provisional ids cannot be sent")
		}
		return ChatMessageEvent{EventMeta: Meta{ID: msg.ID, Timestamp: msg.Timestamp}, Message: msg}, nil

	case env.Event == EventChatRead:
		var p ChatReadPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.SenderID) == "" {
			return nil, domain.NewValidationError("senderId", "required")
		}
		return ChatReadReceiptEvent{SenderID: p.SenderID, ReaderID: p.ReceiverID}, nil

	case env.Event == EventNotificationSend:
		var p NotificationSendPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RecipientID) == "" {
			return nil, domain.NewValidationError("recipientId", "required")
		}
		if len(p.Notification) == 0 || string(p.Notification) == "null" {
			return nil, domain.NewValidationError("notification", "required")
		}
		return NotificationEvent{RecipientID: p.RecipientID, Notification: p.Notification}, nil

	case env.Event == EventResourceUpdate:
		var p ResourceUpdatePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ResourceID) == "" {
			return nil, domain.NewValidationError("resourceId", "required")
		}
		if len(p.Update) == 0 || string(p.Update) == "null" {
			return nil, domain.NewValidationError("update", "required")
		}
		resource := normalizeResource(p.Resource)
		if resource == "" {
			resource = DefaultResource
		}
		if !validResource(resource) {
			return nil, domain.NewValidationError("resource", "invalid resource kind")
		}
		return ResourceUpdateEvent{
			Resource:   resource,
			ResourceID: strings.TrimSpace(p.ResourceID),
			AssigneeID: strings.TrimSpace(p.AssignedIdentityID),
			Update:     p.Update,
		}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

func decodeMembership(env Envelope) (Inbound, error) {
	join := strings.HasPrefix(env.Event, joinPrefix)
	resource := strings.TrimPrefix(env.Event, leavePrefix)
	if join {
		resource = strings.TrimPrefix(env.Event, joinPrefix)
	}
	resource = normalizeResource(resource)
	if !validResource(resource) {
		return nil, domain.NewValidationError("event", "invalid resource kind")
	}

	var p MembershipPayload
	if err := unmarshal(env, &p); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ResourceID)
	if id == "" {
		return nil, domain.NewValidationError("resourceId", "required")
	}

	if join {
		return Join{Resource: resource, ResourceID: id}, nil
	}
	return Leave{Resource: resource, ResourceID: id}, nil
}

func unmarshal(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return domain.NewValidationError("data", "payload is required")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return domain.NewValidationError("data", err.Error())
	}
	return nil
}
