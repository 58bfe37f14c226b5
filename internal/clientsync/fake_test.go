package clientsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emission struct {
	event   string
	payload json.RawMessage
}

// fakeEmitter records what is emitted and lets tests deliver events.
type fakeEmitter struct {
	mu       sync.Mutex
	handlers map[string]map[int]Handler
	next     int
	emits    []emission
	joins    []string
	leaves   []string
	emitErr  error
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{handlers: map[string]map[int]Handler{}}
}

func (f *fakeEmitter) Emit(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emission{event: event, payload: data})
	return nil
}

func (f *fakeEmitter) On(event string, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	if f.handlers[event] == nil {
		f.handlers[event] = map[int]Handler{}
	}
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeEmitter) Join(_ context.Context, resource, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, protocol.GroupName(resource, id))
	return nil
}

func (f *fakeEmitter) Leave(_ context.Context, resource, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, protocol.GroupName(resource, id))
	return nil
}

func (f *fakeEmitter) deliver(t *testing.T, event, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	ts := t0
	env := protocol.Envelope{Event: event, ID: id, Timestamp: &ts, Data: raw}

	f.mu.Lock()
	var hs []Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (f *fakeEmitter) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeEmitter) groups() (joins, leaves []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...), append([]string(nil), f.leaves...)
}

// fakeChatAPI is an in-memory ChatAPI.
type fakeChatAPI struct {
	mu            sync.Mutex
	sendErr       error
	markErr       error
	beforeReply   func(msg domain.ChatMessage)
	storedAs      func(msg domain.ChatMessage) domain.ChatMessage
	sent          []domain.ChatMessage
	conversations []domain.ConversationSummary
	history       map[string][]domain.ChatMessage
	markCalls     int
}

func (f *fakeChatAPI) SendMessage(_ context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if f.beforeReply != nil {
		f.beforeReply(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.ChatMessage{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	if f.storedAs != nil {
		return f.storedAs(msg), nil
	}
	return msg, nil
}

func (f *fakeChatAPI) Conversations(context.Context, string) ([]domain.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations, nil
}

func (f *fakeChatAPI) Messages(_ context.Context, _, otherID string, _ int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[otherID], nil
}

func (f *fakeChatAPI) MarkRead(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	return f.markErr
}

// fakeCaseAPI is an in-memory CaseAPI.
type fakeCaseAPI struct {
	mu        sync.Mutex
	cases     map[string]domain.Case
	updateErr error
	gets      int
	now       time.Time
}

func newFakeCaseAPI(cases ...domain.Case) *fakeCaseAPI {
	f := &fakeCaseAPI{cases: map[string]domain.Case{}, now: t0}
	for _, c := range cases {
		f.cases[c.ID] = c
	}
	return f
}

func (f *fakeCaseAPI) GetCase(_ context.Context, id string) (domain.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	c, ok := f.cases[id]
	if !ok {
		return domain.Case{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeCaseAPI) UpdateCase(_ context.Context, id string, patch domain.CasePatch) (domain.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return domain.Case{}, f.updateErr
	}
	c, ok := f.cases[id]
	if !ok {
		return domain.Case{}, domain.ErrNotFound
	}
	f.now = f.now.Add(time.Second)
	c = patch.Apply(c)
	c.UpdatedAt = f.now
	f.cases[id] = c
	return c, nil
}
