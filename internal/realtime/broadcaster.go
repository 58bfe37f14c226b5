package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

// Broadcaster routes published events to their target groups. Delivery is
// best effort: an event whose groups have no members is dropped, and a
// member whose send buffer is full misses it.
type Broadcaster struct {
	registry *Registry
	clock    clockwork.Clock
	newID    func() string
	log      *slog.Logger
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, clock clockwork.Clock, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		clock:    clock,
		newID:    uuid.NewString,
		log:      log.With("component", "broadcaster"),
	}
}

// Publish stamps ev with an id and time when missing and fans it out. It
// returns the number of connections the frame was queued on.
func (b *Broadcaster) Publish(ev protocol.Event, source *Conn) (int, error) {
	ev = b.stamp(ev, source)

	event, data, groups := b.route(ev)
	meta := ev.Meta()
	ts := meta.Timestamp
	frame, err := json.Marshal(protocol.Envelope{
		Event:     event,
		ID:        meta.ID,
		Timestamp: &ts,
		Data:      data,
	})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}

	seen := map[string]struct{}{}
	delivered := 0
	for _, group := range groups {
		for _, c := range b.registry.MembersOf(group) {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			if c.enqueue(frame) {
				delivered++
				continue
			}
			b.log.Warn("delivery dropped: send buffer full",
				slog.String("event", event),
				slog.String("event_id", meta.ID),
				slog.String("conn_id", c.ID),
			)
		}
	}

	if delivered == 0 {
		b.log.Debug("event had no recipients", slog.String("event", event), slog.Any("groups", groups))
	}
	return delivered, nil
}

// stamp fills the event id, timestamp and, for chat, the server-owned
// message fields.
func (b *Broadcaster) stamp(ev protocol.Event, source *Conn) protocol.Event {
	var self string
	if source != nil {
		if id, ok := b.registry.IdentityOf(source); ok {
			self = id.ID
		}
	}

	switch e := ev.(type) {
	case protocol.ChatMessageEvent:
		if e.Message.ID == "" {
			e.Message.ID = e.EventMeta.ID
		}
		if e.Message.ID == "" {
			e.Message.ID = b.newID()
		}
		if e.Message.Timestamp.IsZero() {
			e.Message.Timestamp = e.EventMeta.Timestamp
		}
		if e.Message.Timestamp.IsZero() {
			e.Message.Timestamp = b.clock.Now().UTC()
		}
		if e.Message.SenderID == "" {
			e.Message.SenderID = self
		}
		e.Message.Read = false
		e.EventMeta = protocol.Meta{ID: e.Message.ID, Timestamp: e.Message.Timestamp}
		return e

	case protocol.ChatReadReceiptEvent:
		if e.ReaderID == "" {
			e.ReaderID = self
		}
		e.EventMeta = b.fill(e.EventMeta)
		return e

	case protocol.NotificationEvent:
		e.EventMeta = b.fill(e.EventMeta)
		return e

	case protocol.ResourceUpdateEvent:
		e.EventMeta = b.fill(e.EventMeta)
		return e
	}
	return ev
}

func (b *Broadcaster) fill(m protocol.Meta) protocol.Meta {
	if m.ID == "" {
		m.ID = b.newID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = b.clock.Now().UTC()
	}
	return m
}

// route returns the outbound event name, its payload and target groups.
func (b *Broadcaster) route(ev protocol.Event) (string, json.RawMessage, []string) {
	switch e := ev.(type) {
	case protocol.ChatMessageEvent:
		data, _ := json.Marshal(e.Message)
		return protocol.EventChatReceive, data, []string{IdentityGroup(e.Message.ReceiverID)}

	case protocol.ChatReadReceiptEvent:
		data, _ := json.Marshal(protocol.ChatReadConfirmPayload{UserID: e.ReaderID})
		return protocol.EventChatReadConfirm, data, []string{IdentityGroup(e.SenderID)}

	case protocol.NotificationEvent:
		return protocol.EventNotificationReceive, e.Notification, []string{IdentityGroup(e.RecipientID)}

	case protocol.ResourceUpdateEvent:
		groups := []string{ResourceGroup(e.Resource, e.ResourceID)}
		if e.AssigneeID != "" {
			groups = append(groups, IdentityGroup(e.AssigneeID))
		}
		return protocol.EventResourceUpdated, e.Update, groups
	}
	return "", nil, nil
}
