package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

var (
	ann = domain.Identity{ID: "ann", Name: "Ann", Role: "agent"}
	bob = domain.Identity{ID: "bob", Name: "Bob", Role: "client"}
)

func newTestChat(t *testing.T) (*ChatSync, *fakeChatAPI, *fakeEmitter) {
	t.Helper()
	api := &fakeChatAPI{history: map[string][]domain.ChatMessage{}}
	em := newFakeEmitter()
	s := NewChatSync(ann, api, em, clockwork.NewFakeClockAt(t0), discardLogger())
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
	s.Start()
	t.Cleanup(s.Close)
	return s, api, em
}

func inbound(id string, at time.Time, body string) domain.ChatMessage {
	return domain.ChatMessage{
		ID: id, SenderID: bob.ID, SenderName: bob.Name, ReceiverID: ann.ID,
		Body: body, Timestamp: at,
	}
}

func TestSend_FailureRemovesMessageAndSignalsOnce(t *testing.T) {
	t.Parallel()
	s, api, _ := newTestChat(t)
	api.sendErr = errors.New("store unavailable")

	var failures []*domain.MutationError
	s.OnFailure(func(err *domain.MutationError) { failures = append(failures, err) })

	var duringCall []domain.ChatMessage
	api.beforeReply = func(domain.ChatMessage) { duringCall = s.Messages(bob.ID) }

	_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")

	var merr *domain.MutationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "send message", merr.Op)

	require.Len(t, duringCall, 1)
	assert.True(t, duringCall[0].IsProvisional())

	assert.Empty(t, s.Messages(bob.ID))
	_, ok := s.Summary(bob.ID)
	assert.False(t, ok)
	require.Len(t, failures, 1)
	assert.Same(t, merr, failures[0])
}

func TestSend_FailureRestoresPreviousSummary(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)

	em.deliver(t, protocol.EventChatReceive, "m0", inbound("m0", t0.Add(-time.Minute), "hi ann"))
	api.sendErr = errors.New("store unavailable")

	_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.Error(t, err)

	sum, ok := s.Summary(bob.ID)
	require.True(t, ok)
	assert.Equal(t, "hi ann", sum.LastMessage)
	assert.Equal(t, 1, sum.UnreadCount)
}

func TestSend_FailureKeepsMessagesThatArrivedMeanwhile(t *testing.T) {
	t.Parallel()

	t.Run("new conversation", func(t *testing.T) {
		t.Parallel()
		s, api, em := newTestChat(t)
		api.sendErr = errors.New("store unavailable")
		api.beforeReply = func(domain.ChatMessage) {
			em.deliver(t, protocol.EventChatReceive, "b1", inbound("b1", t0.Add(-time.Second), "are you there?"))
		}

		_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
		require.Error(t, err)

		require.Len(t, s.Messages(bob.ID), 1)
		sum, ok := s.Summary(bob.ID)
		require.True(t, ok)
		assert.Equal(t, "are you there?", sum.LastMessage)
		assert.Equal(t, t0.Add(-time.Second), sum.LastMessageTime)
		assert.Equal(t, 1, sum.UnreadCount)
	})

	t.Run("existing conversation", func(t *testing.T) {
		t.Parallel()
		s, api, em := newTestChat(t)
		em.deliver(t, protocol.EventChatReceive, "m0", inbound("m0", t0.Add(-time.Minute), "old"))
		api.sendErr = errors.New("store unavailable")
		api.beforeReply = func(domain.ChatMessage) {
			em.deliver(t, protocol.EventChatReceive, "b1", inbound("b1", t0.Add(-time.Second), "newer"))
		}

		_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
		require.Error(t, err)

		require.Len(t, s.Messages(bob.ID), 2)
		sum, ok := s.Summary(bob.ID)
		require.True(t, ok)
		assert.Equal(t, "newer", sum.LastMessage)
		assert.Equal(t, t0.Add(-time.Second), sum.LastMessageTime)
		assert.Equal(t, 2, sum.UnreadCount)
	})
}

func TestSend_StoredTimestampBecomesSummaryTime(t *testing.T) {
	t.Parallel()
	s, api, _ := newTestChat(t)
	api.storedAs = func(msg domain.ChatMessage) domain.ChatMessage {
		msg.Timestamp = msg.Timestamp.Add(-time.Millisecond)
		return msg
	}

	stored, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.NoError(t, err)

	msgs := s.Messages(bob.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, stored.Timestamp, msgs[0].Timestamp)

	sum, ok := s.Summary(bob.ID)
	require.True(t, ok)
	assert.Equal(t, stored.Timestamp, sum.LastMessageTime)
	assert.Equal(t, "hello", sum.LastMessage)
}

func TestSend_SuccessReplacesProvisionalID(t *testing.T) {
	t.Parallel()
	s, _, em := newTestChat(t)

	stored, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", stored.ID)

	msgs := s.Messages(bob.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)
	assert.False(t, msgs[0].IsProvisional())

	sends := em.emitted(protocol.EventChatSend)
	require.Len(t, sends, 1)
	var p protocol.ChatSendPayload
	require.NoError(t, json.Unmarshal(sends[0], &p))
	assert.Equal(t, "msg-1", p.ID)
	assert.Equal(t, ann.ID, p.SenderID)

	sum, ok := s.Summary(bob.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", sum.LastMessage)
	assert.Zero(t, sum.UnreadCount)
}

func TestSend_EchoBeforeResponseDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)

	api.beforeReply = func(msg domain.ChatMessage) {
		em.deliver(t, protocol.EventChatReceive, msg.ID, msg)
	}

	_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.NoError(t, err)

	msgs := s.Messages(bob.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-1", msgs[0].ID)
}

func TestSend_EmitFailureStillStores(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)
	em.emitErr = domain.ErrNotConnected

	_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.NoError(t, err)
	assert.Len(t, api.sent, 1)
	assert.Len(t, s.Messages(bob.ID), 1)
}

func TestSend_RejectsInvalidMessages(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestChat(t)

	_, err := s.Send(context.Background(), ann.ID, ann.Name, "talking to myself")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Send(context.Background(), bob.ID, bob.Name, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReceive_RepeatedIDsApplyOnce(t *testing.T) {
	t.Parallel()
	s, _, em := newTestChat(t)

	m := inbound("m1", t0, "hi")
	for range 3 {
		em.deliver(t, protocol.EventChatReceive, m.ID, m)
	}

	assert.Len(t, s.Messages(bob.ID), 1)
	sum, ok := s.Summary(bob.ID)
	require.True(t, ok)
	assert.Equal(t, 1, sum.UnreadCount)
	assert.Equal(t, bob.Name, sum.OtherName)
}

func TestReceive_OrderDoesNotChangeResult(t *testing.T) {
	t.Parallel()

	first := inbound("m1", t0.Add(time.Second), "first")
	second := inbound("m2", t0.Add(2*time.Second), "second")

	inOrder, _, em1 := newTestChat(t)
	em1.deliver(t, protocol.EventChatReceive, first.ID, first)
	em1.deliver(t, protocol.EventChatReceive, second.ID, second)

	reversed, _, em2 := newTestChat(t)
	em2.deliver(t, protocol.EventChatReceive, second.ID, second)
	em2.deliver(t, protocol.EventChatReceive, first.ID, first)

	assert.Equal(t, inOrder.Summaries(), reversed.Summaries())
	assert.Equal(t, inOrder.Messages(bob.ID), reversed.Messages(bob.ID))

	sum, _ := reversed.Summary(bob.ID)
	assert.Equal(t, "second", sum.LastMessage)
	assert.Equal(t, second.Timestamp, sum.LastMessageTime)
	assert.Equal(t, 2, sum.UnreadCount)
}

func TestReceive_IgnoresOtherIdentities(t *testing.T) {
	t.Parallel()
	s, _, em := newTestChat(t)

	em.deliver(t, protocol.EventChatReceive, "x", domain.ChatMessage{
		ID: "x", SenderID: "carl", ReceiverID: "dora", Body: "not yours", Timestamp: t0,
	})
	em.deliver(t, protocol.EventChatReceive, "", map[string]string{"message": "no id"})

	assert.Empty(t, s.Summaries())
}

func TestMarkRead_ClearsUnreadAndAnnounces(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)

	em.deliver(t, protocol.EventChatReceive, "m1", inbound("m1", t0, "one"))
	em.deliver(t, protocol.EventChatReceive, "m2", inbound("m2", t0.Add(time.Second), "two"))

	require.NoError(t, s.MarkRead(context.Background(), bob.ID))

	sum, _ := s.Summary(bob.ID)
	assert.Zero(t, sum.UnreadCount)
	for _, m := range s.Messages(bob.ID) {
		assert.True(t, m.Read)
	}
	assert.Equal(t, 1, api.markCalls)

	reads := em.emitted(protocol.EventChatRead)
	require.Len(t, reads, 1)
	assert.JSONEq(t, `{"senderId":"bob","receiverId":"ann"}`, string(reads[0]))
}

func TestMarkRead_FailureRestoresUnread(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)
	api.markErr = errors.New("store unavailable")

	var failures int
	s.OnFailure(func(*domain.MutationError) { failures++ })

	em.deliver(t, protocol.EventChatReceive, "m1", inbound("m1", t0, "one"))
	em.deliver(t, protocol.EventChatReceive, "m2", inbound("m2", t0.Add(time.Second), "two"))

	err := s.MarkRead(context.Background(), bob.ID)
	var merr *domain.MutationError
	require.ErrorAs(t, err, &merr)

	sum, _ := s.Summary(bob.ID)
	assert.Equal(t, 2, sum.UnreadCount)
	assert.Equal(t, 1, failures)
}

func TestReadConfirm_MarksOutboundRead(t *testing.T) {
	t.Parallel()
	s, _, em := newTestChat(t)

	_, err := s.Send(context.Background(), bob.ID, bob.Name, "hello")
	require.NoError(t, err)
	em.deliver(t, protocol.EventChatReceive, "m1", inbound("m1", t0.Add(time.Second), "hi"))

	em.deliver(t, protocol.EventChatReadConfirm, "r1", protocol.ChatReadConfirmPayload{UserID: bob.ID})

	for _, m := range s.Messages(bob.ID) {
		if m.SenderID == ann.ID {
			assert.True(t, m.Read, "outbound message should be read")
		} else {
			assert.False(t, m.Read, "inbound message is untouched")
		}
	}
	sum, _ := s.Summary(bob.ID)
	assert.Equal(t, 1, sum.UnreadCount)
}

func TestUnreadCountMatchesKnownUnreadMessages(t *testing.T) {
	t.Parallel()
	s, api, em := newTestChat(t)

	em.deliver(t, protocol.EventChatReceive, "m1", inbound("m1", t0, "one"))
	em.deliver(t, protocol.EventChatReceive, "m2", inbound("m2", t0.Add(time.Second), "two"))
	_, err := s.Send(context.Background(), bob.ID, bob.Name, "reply")
	require.NoError(t, err)

	read := inbound("m1", t0, "one")
	read.Read = true
	api.history[bob.ID] = []domain.ChatMessage{read}
	require.NoError(t, s.LoadConversation(context.Background(), bob.ID, 0))

	unread := 0
	for _, m := range s.Messages(bob.ID) {
		if m.SenderID == bob.ID && !m.Read {
			unread++
		}
	}
	sum, _ := s.Summary(bob.ID)
	assert.Equal(t, unread, sum.UnreadCount)
	assert.Equal(t, 1, sum.UnreadCount)
}

func TestResync_LoadsConversationsTheServerIsAheadOn(t *testing.T) {
	t.Parallel()
	s, api, _ := newTestChat(t)

	missed := inbound("m9", t0.Add(time.Hour), "while you were away")
	api.conversations = []domain.ConversationSummary{{
		OtherID: bob.ID, OtherName: bob.Name, OtherRole: bob.Role,
		LastMessage: missed.Body, LastMessageTime: missed.Timestamp, UnreadCount: 1,
	}}
	api.history[bob.ID] = []domain.ChatMessage{missed}

	require.NoError(t, s.Resync(context.Background()))

	sum, ok := s.Summary(bob.ID)
	require.True(t, ok)
	assert.Equal(t, "while you were away", sum.LastMessage)
	assert.Equal(t, bob.Role, sum.OtherRole)
	assert.Equal(t, 1, sum.UnreadCount)
	assert.Len(t, s.Messages(bob.ID), 1)
}

func TestClose_StopsMerging(t *testing.T) {
	t.Parallel()
	s, _, em := newTestChat(t)
	s.Close()

	em.deliver(t, protocol.EventChatReceive, "m1", inbound("m1", t0, "late"))
	assert.Empty(t, s.Messages(bob.ID))
}
