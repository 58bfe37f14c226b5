package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(t0)
	}
	h := NewHub(opts, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func connect(t *testing.T, h *Hub) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	go h.Serve(fc)
	return fc
}

func login(t *testing.T, h *Hub, userID string) *fakeConn {
	t.Helper()
	fc := connect(t, h)
	fc.emit(t, protocol.EventAuthenticate, protocol.AuthenticatePayload{UserID: userID, Name: userID})
	require.Eventually(t, func() bool {
		return len(fc.received(protocol.EventAuthenticated)) == 1
	}, waitFor, tick)
	return fc
}

func TestHub_TwoDevicesReceiveOneChatEach(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	ann := login(t, h, "ann")
	bob1 := login(t, h, "bob")
	bob2 := login(t, h, "bob")

	ann.emit(t, protocol.EventChatSend, protocol.ChatSendPayload{
		SenderID: "ann", SenderName: "Ann", ReceiverID: "bob", Message: "hello",
	})

	require.Eventually(t, func() bool {
		return len(bob1.received(protocol.EventChatReceive)) == 1 &&
			len(bob2.received(protocol.EventChatReceive)) == 1
	}, waitFor, tick)

	m1 := bob1.received(protocol.EventChatReceive)[0]
	m2 := bob2.received(protocol.EventChatReceive)[0]
	assert.NotEmpty(t, m1.ID)
	assert.Equal(t, m1.ID, m2.ID)

	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(m1.Data, &msg))
	assert.Equal(t, m1.ID, msg.ID)
	assert.Equal(t, "ann", msg.SenderID)
	assert.False(t, msg.Read)

	assert.Empty(t, ann.received(protocol.EventChatReceive))
}

func TestHub_SenderIsTheAuthenticatedIdentity(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	mallory := login(t, h, "mallory")
	bob := login(t, h, "bob")

	mallory.emit(t, protocol.EventChatSend, protocol.ChatSendPayload{
		SenderID: "ann", ReceiverID: "bob", Message: "trust me",
	})

	require.Eventually(t, func() bool {
		return len(bob.received(protocol.EventChatReceive)) == 1
	}, waitFor, tick)

	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(bob.received(protocol.EventChatReceive)[0].Data, &msg))
	assert.Equal(t, "mallory", msg.SenderID)
}

func TestHub_ResourceViewersAndLeave(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	viewer := login(t, h, "vic")
	editor := login(t, h, "eve")

	viewer.emit(t, protocol.JoinEvent("case"), protocol.MembershipPayload{ResourceID: "42"})
	require.Eventually(t, func() bool {
		_, groups := h.Stats()
		return groups == 3
	}, waitFor, tick)

	editor.emit(t, protocol.EventResourceUpdate, protocol.ResourceUpdatePayload{
		ResourceID: "42",
		Update:     json.RawMessage(`{"id":"42","status":"closed"}`),
	})
	require.Eventually(t, func() bool {
		return len(viewer.received(protocol.EventResourceUpdated)) == 1
	}, waitFor, tick)

	viewer.emit(t, protocol.LeaveEvent("case"), protocol.MembershipPayload{ResourceID: "42"})
	require.Eventually(t, func() bool {
		_, groups := h.Stats()
		return groups == 2
	}, waitFor, tick)

	editor.emit(t, protocol.EventResourceUpdate, protocol.ResourceUpdatePayload{
		ResourceID: "42",
		Update:     json.RawMessage(`{"id":"42","status":"open"}`),
	})
	// A notification queued behind the update proves the update was routed.
	editor.emit(t, protocol.EventNotificationSend, protocol.NotificationSendPayload{
		RecipientID: "vic", Notification: json.RawMessage(`{"n":1}`),
	})
	require.Eventually(t, func() bool {
		return len(viewer.received(protocol.EventNotificationReceive)) == 1
	}, waitFor, tick)
	assert.Len(t, viewer.received(protocol.EventResourceUpdated), 1)
	assert.Empty(t, editor.received(protocol.EventResourceUpdated))
}

func TestHub_ProtocolErrorsReplyToSourceOnly(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	anon := connect(t, h)
	bob := login(t, h, "bob")

	anon.emit(t, protocol.JoinEvent("case"), protocol.MembershipPayload{ResourceID: "42"})
	anon.emitRaw(`{not json`)
	bob.emit(t, protocol.JoinEvent("user"), protocol.MembershipPayload{ResourceID: "ann"})
	bob.emit(t, "typing:start", map[string]string{})

	require.Eventually(t, func() bool {
		return len(anon.received(protocol.EventError)) == 2 &&
			len(bob.received(protocol.EventError)) == 2
	}, waitFor, tick)

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(anon.received(protocol.EventError)[0].Data, &p))
	assert.Equal(t, "authenticate first", p.Message)

	conns, groups := h.Stats()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 1, groups)
	assert.False(t, anon.isClosed())
}

type stubVerifier struct {
	id  domain.Identity
	err error
}

func (s stubVerifier) Verify(string) (domain.Identity, error) { return s.id, s.err }

func TestHub_VerifiedAuthentication(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		seen  []domain.Identity
		token = domain.Identity{ID: "ann", Name: "Ann", Role: "agent"}
	)
	h := startHub(t, Options{
		Verifier: stubVerifier{id: token},
		OnAuthenticated: func(_ context.Context, id domain.Identity) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
		},
	})

	fc := connect(t, h)
	fc.emit(t, protocol.EventAuthenticate, protocol.AuthenticatePayload{UserID: "spoofed", Token: "t"})

	require.Eventually(t, func() bool {
		return len(fc.received(protocol.EventAuthenticated)) == 1
	}, waitFor, tick)

	var ack protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(fc.received(protocol.EventAuthenticated)[0].Data, &ack))
	assert.Equal(t, "ann", ack.UserID)
	assert.NotEmpty(t, ack.ConnectionID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, token, seen[0])
	mu.Unlock()
}

func TestHub_RejectedToken(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{Verifier: stubVerifier{err: errors.New("expired")}})
	fc := connect(t, h)
	fc.emit(t, protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: "t"})

	require.Eventually(t, func() bool {
		return len(fc.received(protocol.EventError)) == 1
	}, waitFor, tick)
	assert.Empty(t, fc.received(protocol.EventAuthenticated))
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	fc := login(t, h, "ann")
	fc.emit(t, protocol.JoinEvent("case"), protocol.MembershipPayload{ResourceID: "1"})
	require.Eventually(t, func() bool {
		_, groups := h.Stats()
		return groups == 2
	}, waitFor, tick)

	require.NoError(t, fc.Close())

	require.Eventually(t, func() bool {
		conns, groups := h.Stats()
		return conns == 0 && groups == 0
	}, waitFor, tick)
}

func TestHub_ServerPublish(t *testing.T) {
	t.Parallel()

	h := startHub(t, Options{})
	bob := login(t, h, "bob")

	require.NoError(t, h.Publish(context.Background(), protocol.NotificationEvent{
		RecipientID:  "bob",
		Notification: json.RawMessage(`{"title":"hi"}`),
	}))

	require.Eventually(t, func() bool {
		return len(bob.received(protocol.EventNotificationReceive)) == 1
	}, waitFor, tick)
}

func TestHub_StopClosesConnections(t *testing.T) {
	t.Parallel()

	h := NewHub(Options{Clock: clockwork.NewFakeClockAt(t0)}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	fc := login(t, h, "ann")
	cancel()
	<-done

	require.Eventually(t, fc.isClosed, waitFor, tick)
	assert.ErrorIs(t, h.Publish(context.Background(), protocol.NotificationEvent{}), domain.ErrNotConnected)
}
