package clientsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

// ChatSync holds the local view of one identity's conversations.
//
// Sends are applied locally under a provisional id first. The canonical id
// travels with the emitted event and the durable write, so whichever copy
// arrives first replaces the provisional record and later copies are no-ops.
// Unread counts are always derived from the locally known messages.
type ChatSync struct {
	self  domain.Identity
	api   ChatAPI
	em    Emitter
	clock clockwork.Clock
	newID func() string
	log   *slog.Logger

	mu        sync.Mutex
	messages  map[string]map[string]domain.ChatMessage // counterpart -> id -> message
	summaries map[string]domain.ConversationSummary
	pending   map[string]pendingSend // by canonical id
	onFailure []func(*domain.MutationError)
	onChange  []func(otherID string)
	offs      []func()
}

// NewChatSync creates a chat state holder for self.
func NewChatSync(self domain.Identity, api ChatAPI, em Emitter, clock clockwork.Clock, log *slog.Logger) *ChatSync {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &ChatSync{
		self:      self,
		api:       api,
		em:        em,
		clock:     clock,
		newID:     uuid.NewString,
		log:       log.With("component", "chat_sync", "user_id", self.ID),
		messages:  map[string]map[string]domain.ChatMessage{},
		summaries: map[string]domain.ConversationSummary{},
		pending:   map[string]pendingSend{},
	}
}

// Start subscribes to chat events.
func (s *ChatSync) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offs = append(s.offs,
		s.em.On(protocol.EventChatReceive, s.handleReceive),
		s.em.On(protocol.EventChatReadConfirm, s.handleReadConfirm),
	)
}

// Close unsubscribes from chat events.
func (s *ChatSync) Close() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// OnFailure registers fn to receive every rolled-back mutation.
func (s *ChatSync) OnFailure(fn func(*domain.MutationError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = append(s.onFailure, fn)
}

// OnChange registers fn to run after a conversation changed.
func (s *ChatSync) OnChange(fn func(otherID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Send applies a message optimistically, announces it and stores it. On a
// failed store the message is removed again and a *domain.MutationError is
// both returned and signalled once.
func (s *ChatSync) Send(ctx context.Context, receiverID, receiverName, body string) (domain.ChatMessage, error) {
	canonical := s.newID()
	now := s.clock.Now().UTC()
	msg := domain.ChatMessage{
		ID:           canonical,
		SenderID:     s.self.ID,
		SenderName:   s.self.Name,
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		Body:         body,
		Timestamp:    now,
	}
	if err := msg.Validate(); err != nil {
		return domain.ChatMessage{}, err
	}

	provisional := msg
	provisional.ID = domain.ProvisionalPrefix + canonical

	s.mu.Lock()
	before, hadSummary := s.summaries[receiverID]
	s.insertLocked(provisional)
	s.pending[canonical] = pendingSend{provisional: provisional, before: before}
	s.mu.Unlock()
	s.changed(receiverID)

	err := s.em.Emit(ctx, protocol.EventChatSend, protocol.ChatSendPayload{
		ID:           msg.ID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		ReceiverID:   msg.ReceiverID,
		ReceiverName: msg.ReceiverName,
		Message:      msg.Body,
		Timestamp:    &now,
	})
	if err != nil {
		s.log.Warn("chat send not broadcast", slog.String("message_id", canonical), slog.String("error", err.Error()))
	}

	stored, err := s.api.SendMessage(ctx, msg)
	if err != nil {
		s.mu.Lock()
		removed := []domain.ChatMessage{provisional}
		if echoed, ok := s.messages[receiverID][canonical]; ok {
			removed = append(removed, echoed)
		}
		delete(s.pending, canonical)
		delete(s.messages[receiverID], provisional.ID)
		delete(s.messages[receiverID], canonical)
		if len(s.messages[receiverID]) == 0 && !hadSummary {
			delete(s.summaries, receiverID)
		} else {
			s.reheadLocked(receiverID, before, removed...)
			s.recountLocked(receiverID)
		}
		s.mu.Unlock()
		s.changed(receiverID)
		return domain.ChatMessage{}, s.fail("send message", provisional.ID, err)
	}

	if stored.ID == "" {
		stored = msg
	}
	s.mu.Lock()
	s.mergeLocked(stored)
	s.mu.Unlock()
	s.changed(receiverID)
	return stored, nil
}

// MarkRead marks every message from otherID read, locally first. A failed
// store restores the previous unread state.
func (s *ChatSync) MarkRead(ctx context.Context, otherID string) error {
	s.mu.Lock()
	var marked []string
	for id, m := range s.messages[otherID] {
		if m.SenderID == otherID && !m.Read {
			m.Read = true
			s.messages[otherID][id] = m
			marked = append(marked, id)
		}
	}
	s.recountLocked(otherID)
	s.mu.Unlock()
	s.changed(otherID)

	err := s.em.Emit(ctx, protocol.EventChatRead, protocol.ChatReadPayload{SenderID: otherID, ReceiverID: s.self.ID})
	if err != nil {
		s.log.Warn("read receipt not broadcast", slog.String("other_id", otherID), slog.String("error", err.Error()))
	}

	if err := s.api.MarkRead(ctx, s.self.ID, otherID); err != nil {
		s.mu.Lock()
		for _, id := range marked {
			if m, ok := s.messages[otherID][id]; ok {
				m.Read = false
				s.messages[otherID][id] = m
			}
		}
		s.recountLocked(otherID)
		s.mu.Unlock()
		s.changed(otherID)
		return s.fail("mark read", otherID, err)
	}
	return nil
}

// Resync refreshes the summaries from the durable store. It is run after
// every reconnect since events missed while offline are not replayed.
// Conversations the server knows more about are reloaded.
func (s *ChatSync) Resync(ctx context.Context) error {
	remote, err := s.api.Conversations(ctx, s.self.ID)
	if err != nil {
		return err
	}

	var stale []string
	s.mu.Lock()
	for _, r := range remote {
		local, ok := s.summaries[r.OtherID]
		if !ok || r.LastMessageTime.After(local.LastMessageTime) || r.UnreadCount != local.UnreadCount {
			stale = append(stale, r.OtherID)
		}
		if !ok {
			s.summaries[r.OtherID] = domain.ConversationSummary{
				OtherID:         r.OtherID,
				OtherName:       r.OtherName,
				OtherRole:       r.OtherRole,
				LastMessage:     r.LastMessage,
				LastMessageTime: r.LastMessageTime,
			}
			s.recountLocked(r.OtherID)
			continue
		}
		if r.OtherName != "" {
			local.OtherName = r.OtherName
		}
		if r.OtherRole != "" {
			local.OtherRole = r.OtherRole
		}
		if !r.LastMessageTime.Before(local.LastMessageTime) {
			local.LastMessage = r.LastMessage
			local.LastMessageTime = r.LastMessageTime
		}
		s.summaries[r.OtherID] = local
	}
	s.mu.Unlock()

	for _, other := range stale {
		if err := s.LoadConversation(ctx, other, 0); err != nil {
			return err
		}
	}
	return nil
}

// LoadConversation merges the stored history with otherID. limit <= 0
// uses the server default.
func (s *ChatSync) LoadConversation(ctx context.Context, otherID string, limit int) error {
	history, err := s.api.Messages(ctx, s.self.ID, otherID, limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, m := range history {
		s.mergeLocked(m)
	}
	s.recountLocked(otherID)
	s.mu.Unlock()
	s.changed(otherID)
	return nil
}

// Summaries returns the conversations, most recent first.
func (s *ChatSync) Summaries() []domain.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ConversationSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].OtherID < out[j].OtherID
	})
	return out
}

// Summary returns the summary of the conversation with otherID.
func (s *ChatSync) Summary(otherID string) (domain.ConversationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[otherID]
	return sum, ok
}

// Messages returns the conversation with otherID, oldest first.
func (s *ChatSync) Messages(otherID string) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ChatMessage, 0, len(s.messages[otherID]))
	for _, m := range s.messages[otherID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *ChatSync) handleReceive(env protocol.Envelope) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		s.log.Warn("dropping malformed chat event", slog.String("error", err.Error()))
		return
	}
	if msg.ID == "" {
		msg.ID = env.ID
	}
	if msg.ID == "" || domain.IsProvisionalID(msg.ID) {
		return
	}
	if msg.ReceiverID != s.self.ID && msg.SenderID != s.self.ID {
		return
	}
	if msg.Timestamp.IsZero() && env.Timestamp != nil {
		msg.Timestamp = *env.Timestamp
	}

	s.mu.Lock()
	changed := s.mergeLocked(msg)
	s.mu.Unlock()
	if changed {
		other, _ := msg.Counterpart(s.self.ID)
		s.changed(other)
	}
}

// handleReadConfirm marks what we sent to the reader as read.
func (s *ChatSync) handleReadConfirm(env protocol.Envelope) {
	var p protocol.ChatReadConfirmPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		s.log.Warn("dropping malformed read confirmation")
		return
	}

	s.mu.Lock()
	for id, m := range s.messages[p.UserID] {
		if m.SenderID == s.self.ID && !m.Read {
			m.Read = true
			s.messages[p.UserID][id] = m
		}
	}
	s.mu.Unlock()
	s.changed(p.UserID)
}

// mergeLocked applies a canonical message. It reports false when the
// message was already known.
func (s *ChatSync) mergeLocked(msg domain.ChatMessage) bool {
	other, _ := msg.Counterpart(s.self.ID)

	if cur, ok := s.messages[other][msg.ID]; ok {
		if msg.Read && !cur.Read {
			cur.Read = true
			s.messages[other][msg.ID] = cur
			s.recountLocked(other)
			return true
		}
		return false
	}

	if p, ok := s.pending[msg.ID]; ok {
		delete(s.pending, msg.ID)
		delete(s.messages[other], p.provisional.ID)
		s.reheadLocked(other, p.before, p.provisional)
	}
	s.insertLocked(msg)
	return true
}

func (s *ChatSync) insertLocked(msg domain.ChatMessage) {
	other, otherName := msg.Counterpart(s.self.ID)

	if s.messages[other] == nil {
		s.messages[other] = map[string]domain.ChatMessage{}
	}
	s.messages[other][msg.ID] = msg

	sum, ok := s.summaries[other]
	if !ok {
		sum = domain.ConversationSummary{OtherID: other}
	}
	if sum.OtherName == "" {
		sum.OtherName = otherName
	}
	if !msg.Timestamp.Before(sum.LastMessageTime) {
		sum.LastMessage = msg.Body
		sum.LastMessageTime = msg.Timestamp
	}
	s.summaries[other] = sum
	s.recountLocked(other)
}

// reheadLocked recomputes the last message of other's summary once removed
// messages have left the conversation. A summary headed by anything else is
// kept. The new head is the newest of base and the remaining messages.
func (s *ChatSync) reheadLocked(other string, base domain.ConversationSummary, removed ...domain.ChatMessage) {
	sum, ok := s.summaries[other]
	if !ok {
		return
	}
	headed := false
	for _, r := range removed {
		if sum.LastMessageTime.Equal(r.Timestamp) && sum.LastMessage == r.Body {
			headed = true
		}
	}
	if !headed {
		return
	}

	sum.LastMessage, sum.LastMessageTime = base.LastMessage, base.LastMessageTime
	headID := ""
	for id, m := range s.messages[other] {
		if m.Timestamp.After(sum.LastMessageTime) || (m.Timestamp.Equal(sum.LastMessageTime) && id > headID) {
			sum.LastMessage, sum.LastMessageTime, headID = m.Body, m.Timestamp, id
		}
	}
	s.summaries[other] = sum
}

func (s *ChatSync) recountLocked(other string) {
	sum, ok := s.summaries[other]
	if !ok {
		return
	}
	n := 0
	for _, m := range s.messages[other] {
		if m.SenderID == other && m.ReceiverID == s.self.ID && !m.Read {
			n++
		}
	}
	sum.UnreadCount = n
	s.summaries[other] = sum
}

func (s *ChatSync) fail(op, id string, err error) error {
	merr := &domain.MutationError{Op: op, EntityID: id, Err: err}
	s.log.Warn("mutation rolled back", slog.String("op", op), slog.String("id", id), slog.String("error", err.Error()))

	s.mu.Lock()
	hooks := append([]func(*domain.MutationError){}, s.onFailure...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(merr)
	}
	return merr
}

func (s *ChatSync) changed(other string) {
	s.mu.Lock()
	hooks := append([]func(string){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(other)
	}
}

type pendingSend struct {
	provisional domain.ChatMessage
	before      domain.ConversationSummary
}
