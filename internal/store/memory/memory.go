// Package memory is the in-process Store backend. Conversation summaries are
// maintained incrementally as messages arrive.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/store"
)

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	messages   map[string]domain.ChatMessage                     // id -> message
	threads    map[string][]string                               // thread key -> message ids
	inbox      map[string]map[string]*domain.ConversationSummary // user -> counterpart -> summary
	cases      map[string]domain.Case                            // id -> case
	identities map[string]domain.Identity                        // id -> identity
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:      clock,
		messages:   map[string]domain.ChatMessage{},
		threads:    map[string][]string{},
		inbox:      map[string]map[string]*domain.ConversationSummary{},
		cases:      map[string]domain.Case{},
		identities: map[string]domain.Identity{},
	}
}

// threadKey is the same for both directions of a conversation.
func threadKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

func (s *Store) ensureInbox(userID string) map[string]*domain.ConversationSummary {
	box, ok := s.inbox[userID]
	if !ok {
		box = map[string]*domain.ConversationSummary{}
		s.inbox[userID] = box
	}
	return box
}

// SaveMessage implements store.Chat.
func (s *Store) SaveMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if existing, ok := s.messages[msg.ID]; ok {
		return existing, nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now().UTC()
	}
	msg.Read = false

	s.messages[msg.ID] = msg
	key := threadKey(msg.SenderID, msg.ReceiverID)
	s.threads[key] = append(s.threads[key], msg.ID)
	s.onPrivateMessage(msg)

	return msg, nil
}

// onPrivateMessage updates both parties' summaries. An older message never
// moves the last-message fields backwards.
func (s *Store) onPrivateMessage(msg domain.ChatMessage) {
	s.touch(msg.SenderID, msg.ReceiverID, msg.ReceiverName, msg, false)
	s.touch(msg.ReceiverID, msg.SenderID, msg.SenderName, msg, true)
}

func (s *Store) touch(owner, other, otherName string, msg domain.ChatMessage, inbound bool) {
	box := s.ensureInbox(owner)
	sum, ok := box[other]
	if !ok {
		sum = &domain.ConversationSummary{OtherID: other}
		box[other] = sum
	}
	if otherName != "" {
		sum.OtherName = otherName
	}
	if !msg.Timestamp.Before(sum.LastMessageTime) {
		sum.LastMessage = msg.Body
		sum.LastMessageTime = msg.Timestamp
	}
	if inbound && !msg.Read {
		sum.UnreadCount++
	}
}

// Conversations implements store.Chat.
func (s *Store) Conversations(_ context.Context, userID string) ([]domain.ConversationSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("userId", "required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	box := s.inbox[userID]
	list := make([]domain.ConversationSummary, 0, len(box))
	for _, sum := range box {
		cp := *sum
		if id, ok := s.identities[cp.OtherID]; ok {
			if id.Name != "" {
				cp.OtherName = id.Name
			}
			cp.OtherRole = id.Role
		}
		list = append(list, cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastMessageTime.After(list[j].LastMessageTime)
	})
	return list, nil
}

// Messages implements store.Chat.
func (s *Store) Messages(_ context.Context, userID, otherID string, limit int) ([]domain.ChatMessage, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(otherID) == "" {
		return nil, domain.NewValidationError("userId", "userId and otherUserId are required")
	}
	if limit <= 0 {
		limit = store.DefaultMessageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.threads[threadKey(userID, otherID)]
	out := make([]domain.ChatMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MarkRead implements store.Chat.
func (s *Store) MarkRead(_ context.Context, readerID, senderID string) (int, error) {
	if strings.TrimSpace(readerID) == "" || strings.TrimSpace(senderID) == "" {
		return 0, domain.NewValidationError("receiverId", "senderId and receiverId are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, id := range s.threads[threadKey(readerID, senderID)] {
		m := s.messages[id]
		if m.ReceiverID == readerID && !m.Read {
			m.Read = true
			s.messages[id] = m
			changed++
		}
	}
	if sum, ok := s.ensureInbox(readerID)[senderID]; ok {
		sum.UnreadCount = 0
	}
	return changed, nil
}

// CreateCase implements store.Cases.
func (s *Store) CreateCase(_ context.Context, c domain.Case) (domain.Case, error) {
	if strings.TrimSpace(c.Title) == "" {
		return domain.Case{}, domain.NewValidationError("title", "required")
	}
	if c.Status == "" {
		c.Status = domain.CaseOpen
	}
	if !domain.ValidCaseStatus(c.Status) {
		return domain.Case{}, domain.NewValidationError("status", "unknown status "+c.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.cases[c.ID]; ok {
		return domain.Case{}, fmt.Errorf("case %s: %w", c.ID, domain.ErrConflict)
	}
	c.UpdatedAt = s.clock.Now().UTC()
	s.cases[c.ID] = c
	return c, nil
}

// GetCase implements store.Cases.
func (s *Store) GetCase(_ context.Context, id string) (domain.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return domain.Case{}, fmt.Errorf("case %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// UpdateCase implements store.Cases.
func (s *Store) UpdateCase(_ context.Context, id string, patch domain.CasePatch) (domain.Case, error) {
	if err := patch.Validate(); err != nil {
		return domain.Case{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[id]
	if !ok {
		return domain.Case{}, fmt.Errorf("case %s: %w", id, domain.ErrNotFound)
	}
	c = patch.Apply(c)
	c.UpdatedAt = s.clock.Now().UTC()
	s.cases[id] = c
	return c, nil
}

// UpsertIdentity implements store.Identities.
func (s *Store) UpsertIdentity(_ context.Context, id domain.Identity) error {
	if !id.Valid() {
		return domain.NewValidationError("id", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.identities[id.ID]
	if id.Name == "" {
		id.Name = prev.Name
	}
	if id.Role == "" {
		id.Role = prev.Role
	}
	s.identities[id.ID] = id
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() {}
