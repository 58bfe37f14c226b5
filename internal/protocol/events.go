// Package protocol defines the event vocabulary spoken over the persistent
// connection. Every frame is an Envelope; inbound frames decode into a
// closed set of commands and events, validated at the boundary.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// Event names on the wire.
const (
	EventAuthenticate        = "authenticate"
	EventAuthenticated       = "authenticated"
	EventChatSend            = "chat:send"
	EventChatReceive         = "chat:receive"
	EventChatRead            = "chat:read"
	EventChatReadConfirm     = "chat:read:confirm"
	EventNotificationSend    = "notification:send"
	EventNotificationReceive = "notification:receive"
	EventResourceUpdate      = "resource:update"
	EventResourceUpdated     = "resource:updated"
	EventError               = "error"

	joinPrefix  = "join:"
	leavePrefix = "leave:"
)

// DefaultResource is the resource kind used when an update names none.
const DefaultResource = "case"

// IdentityResource is the reserved resource kind of identity groups. No
// client frame may address it as a resource.
const IdentityResource = "user"

// Envelope is the wire format of every frame in both directions.
// ID and Timestamp are set on server-emitted frames.
type Envelope struct {
	Event     string          `json:"event"`
	ID        string          `json:"id,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// JoinEvent returns the wire name for joining a resource group.
func JoinEvent(resource string) string { return joinPrefix + resource }

// LeaveEvent returns the wire name for leaving a resource group.
func LeaveEvent(resource string) string { return leavePrefix + resource }

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// AuthenticatePayload binds a connection to an identity. Token is required
// when the server verifies identity tokens.
type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Token  string `json:"token,omitempty"`
}

// AuthenticatedPayload acknowledges authentication.
type AuthenticatedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// MembershipPayload is the payload of join:<resource> and leave:<resource>.
type MembershipPayload struct {
	ResourceID string `json:"resourceId"`
}

// ChatSendPayload is what a client emits to send a direct message. ID and
// Timestamp are minted by the server when absent.
type ChatSendPayload struct {
	ID           string     `json:"id,omitempty"`
	SenderID     string     `json:"senderId"`
	SenderName   string     `json:"senderName"`
	ReceiverID   string     `json:"receiverId"`
	ReceiverName string     `json:"receiverName,omitempty"`
	Message      string     `json:"message"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// ChatReadPayload reports that ReceiverID has read SenderID's messages.
type ChatReadPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// ChatReadConfirmPayload tells the original sender who read their messages.
type ChatReadConfirmPayload struct {
	UserID string `json:"userId"`
}

// NotificationSendPayload addresses an opaque notification to one identity.
type NotificationSendPayload struct {
	RecipientID  string          `json:"recipientId"`
	Notification json.RawMessage `json:"notification"`
}

// ResourceUpdatePayload announces a change to a tracked resource.
type ResourceUpdatePayload struct {
	Resource           string          `json:"resource,omitempty"`
	ResourceID         string          `json:"resourceId"`
	Update             json.RawMessage `json:"update"`
	AssignedIdentityID string          `json:"assignedIdentityId,omitempty"`
}

// ErrorPayload is sent back to the source connection on protocol errors.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Decoded inbound frames
// ---------------------------------------------------------------------------

// Inbound is one decoded client frame: Authenticate, Join, Leave or an Event.
type Inbound interface {
	inbound()
}

// Authenticate is the decoded authenticate command.
type Authenticate struct {
	AuthenticatePayload
}

// Join asks to enter the group of one resource.
type Join struct {
	Resource   string
	ResourceID string
}

// Leave asks to exit the group of one resource.
type Leave struct {
	Resource   string
	ResourceID string
}

func (Authenticate) inbound() {}
func (Join) inbound()         {}
func (Leave) inbound()        {}

// Event is one of ChatMessageEvent, ChatReadReceiptEvent, NotificationEvent
// or ResourceUpdateEvent. Events are immutable once published.
type Event interface {
	Inbound
	Meta() Meta
	event()
}

// Meta carries the identity and time stamp every event has.
type Meta struct {
	ID        string
	Timestamp time.Time
}

// ChatMessageEvent carries one direct message.
type ChatMessageEvent struct {
	EventMeta Meta
	Message   domain.ChatMessage
}

// ChatReadReceiptEvent reports that Reader read the messages of Sender.
type ChatReadReceiptEvent struct {
	EventMeta Meta
	SenderID  string
	ReaderID  string
}

// NotificationEvent carries an opaque notification body.
type NotificationEvent struct {
	EventMeta    Meta
	RecipientID  string
	Notification json.RawMessage
}

// ResourceUpdateEvent carries an update for one resource, optionally
// addressed to an assignee as well.
type ResourceUpdateEvent struct {
	EventMeta  Meta
	Resource   string
	ResourceID string
	AssigneeID string
	Update     json.RawMessage
}

func (e ChatMessageEvent) Meta() Meta     { return e.EventMeta }
func (e ChatReadReceiptEvent) Meta() Meta { return e.EventMeta }
func (e NotificationEvent) Meta() Meta    { return e.EventMeta }
func (e ResourceUpdateEvent) Meta() Meta  { return e.EventMeta }

func (ChatMessageEvent) inbound()     {}
func (ChatReadReceiptEvent) inbound() {}
func (NotificationEvent) inbound()    {}
func (ResourceUpdateEvent) inbound()  {}

func (ChatMessageEvent) event()     {}
func (ChatReadReceiptEvent) event() {}
func (NotificationEvent) event()    {}
func (ResourceUpdateEvent) event()  {}

// GroupName returns the canonical group key of a resource.
func GroupName(resource, id string) string {
	return resource + ":" + id
}

func normalizeResource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// validResource reports whether a normalized kind can name a resource group.
func validResource(resource string) bool {
	return resource != "" && resource != IdentityResource && !strings.ContainsAny(resource, ": ")
}
