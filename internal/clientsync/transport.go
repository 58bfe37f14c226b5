// Package clientsync keeps client-side chat and case state in step with the
// server. Local mutations apply optimistically, broadcast events merge
// idempotently, and durable-store responses confirm or roll back.
package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

// State is the transport connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateOffline is terminal until Connect is called again.
	StateOffline State = "offline"
)

// DefaultMaxAttempts bounds automatic reconnection.
const DefaultMaxAttempts = 5

// Handler receives one inbound envelope. Handlers run on the read loop, one
// at a time, in arrival order.
type Handler func(env protocol.Envelope)

// Emitter is what the sync layers need from a persistent connection.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
	On(event string, h Handler) (off func())
	Join(ctx context.Context, resource, id string) error
	Leave(ctx context.Context, resource, id string) error
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// URL of the websocket endpoint, e.g. ws://localhost:3000/ws.
	URL      string
	Identity domain.Identity
	Token    string

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
}

func (c *TransportConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type membership struct {
	resource string
	id       string
}

// Transport is a websocket client that authenticates, dispatches inbound
// events and reconnects with bounded backoff. Resource groups joined
// through it are re-joined after every reconnect before it reports
// StateConnected.
type Transport struct {
	cfg TransportConfig
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	cancel    context.CancelFunc
	joined    map[membership]struct{}
	handlers  map[string]map[uint64]Handler
	nextID    uint64
	onReady   []func(ctx context.Context)
	onOffline []func(err *domain.ConnectionError)
	onState   []func(State)

	// rejoined runs between restoring memberships and going live. Tests
	// use it to act inside that window.
	rejoined func()
}

var _ Emitter = (*Transport)(nil)

// NewTransport creates a disconnected transport.
func NewTransport(cfg TransportConfig) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "transport"),
		state:    StateDisconnected,
		joined:   map[membership]struct{}{},
		handlers: map[string]map[uint64]Handler{},
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnReconnected registers fn to run after each successful reconnect, once
// group memberships are restored.
func (t *Transport) OnReconnected(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReady = append(t.onReady, fn)
}

// OnOffline registers fn to run once when reconnection gives up.
func (t *Transport) OnOffline(fn func(err *domain.ConnectionError)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffline = append(t.onOffline, fn)
}

// OnStateChange registers fn to observe state transitions.
func (t *Transport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

// On subscribes h to event. The returned func unsubscribes it.
func (t *Transport) On(event string, h Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	if t.handlers[event] == nil {
		t.handlers[event] = map[uint64]Handler{}
	}
	t.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.handlers[event], id)
		})
	}
}

// Connect dials, authenticates and starts the read loop. The loop and any
// reconnection live until ctx ends or Close is called. A failed first dial
// is not retried: the caller owns the initial retry.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting || t.state == StateReconnecting {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.setState(StateConnecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return &domain.ConnectionError{Attempts: 1, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()
	t.setState(StateConnected)

	go t.readLoop(runCtx, conn)
	return nil
}

// Close disconnects without reconnecting.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn, t.cancel = nil, nil
	t.mu.Unlock()

	// Cancel first so the read loop does not treat the close as a loss.
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.setState(StateDisconnected)
	return nil
}

// Emit sends one event. It fails with domain.ErrNotConnected unless the
// transport is connected.
func (t *Transport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if conn == nil || state != StateConnected {
		return fmt.Errorf("emit %s: %w", event, domain.ErrNotConnected)
	}
	return write(ctx, conn, event, payload)
}

// Join records the membership and sends join:<resource>. The membership is
// kept even when sending fails, so the next reconnect restores it.
func (t *Transport) Join(ctx context.Context, resource, id string) error {
	t.mu.Lock()
	t.joined[membership{resource: resource, id: id}] = struct{}{}
	t.mu.Unlock()

	return t.Emit(ctx, protocol.JoinEvent(resource), protocol.MembershipPayload{ResourceID: id})
}

// Leave forgets the membership and sends leave:<resource>.
func (t *Transport) Leave(ctx context.Context, resource, id string) error {
	t.mu.Lock()
	delete(t.joined, membership{resource: resource, id: id})
	t.mu.Unlock()

	err := t.Emit(ctx, protocol.LeaveEvent(resource), protocol.MembershipPayload{ResourceID: id})
	if errors.Is(err, domain.ErrNotConnected) {
		// The server dropped the membership with the connection.
		return nil
	}
	return err
}

// dial opens a socket and authenticates it. It returns once the server has
// acknowledged the identity.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	auth := protocol.AuthenticatePayload{
		UserID: t.cfg.Identity.ID,
		Name:   t.cfg.Identity.Name,
		Role:   t.cfg.Identity.Role,
		Token:  t.cfg.Token,
	}
	if err := write(ctx, conn, protocol.EventAuthenticate, auth); err != nil {
		conn.CloseNow()
		return nil, err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("read auth reply: %w", err)
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Event {
		case protocol.EventAuthenticated:
			return conn, nil
		case protocol.EventError:
			var p protocol.ErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			conn.CloseNow()
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrUnauthorized, p.Message))
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("connection lost", slog.String("error", err.Error()))
			next, ok := t.reconnect(ctx, err)
			if !ok {
				return
			}
			conn = next
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		t.dispatch(env)
	}
}

// reconnect retries dial with backoff, restores memberships and fires the
// reconnect hooks. It reports false when the transport went offline or
// ctx ended.
func (t *Transport) reconnect(ctx context.Context, cause error) (*websocket.Conn, bool) {
	t.mu.Lock()
	if old := t.conn; old != nil {
		old.CloseNow()
	}
	t.conn = nil
	t.mu.Unlock()
	t.setState(StateReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialInterval
	b.MaxInterval = t.cfg.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	var (
		conn *websocket.Conn
		sent []membership
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		c, err := t.dial(ctx)
		if err != nil {
			return err
		}
		groups, err := t.rejoin(ctx, c)
		if err != nil {
			c.CloseNow()
			return err
		}
		conn, sent = c, groups
		return nil
	}, policy, func(err error, wait time.Duration) {
		t.log.Info("reconnect attempt failed",
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
	})

	if ctx.Err() != nil {
		return nil, false
	}
	if err != nil {
		t.goOffline(&domain.ConnectionError{Attempts: attempts, Exhausted: true, Err: errors.Join(cause, err)})
		return nil, false
	}

	if t.rejoined != nil {
		t.rejoined()
	}

	// Going live and diffing the memberships happen under one lock: a Join
	// or Leave before it is caught by the diff, one after it emits itself.
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		conn.CloseNow()
		return nil, false
	}
	t.conn = conn
	joins, leaves := diffMemberships(t.joined, sent)
	stateHooks := t.transitionLocked(StateConnected)
	hooks := append([]func(context.Context){}, t.onReady...)
	t.mu.Unlock()
	for _, fn := range stateHooks {
		fn(StateConnected)
	}
	t.log.Info("reconnected", slog.Int("attempts", attempts))

	for _, m := range joins {
		if err := write(ctx, conn, protocol.JoinEvent(m.resource), protocol.MembershipPayload{ResourceID: m.id}); err != nil {
			t.log.Warn("join after reconnect failed", slog.String("group", m.resource+":"+m.id), slog.String("error", err.Error()))
		}
	}
	for _, m := range leaves {
		if err := write(ctx, conn, protocol.LeaveEvent(m.resource), protocol.MembershipPayload{ResourceID: m.id}); err != nil {
			t.log.Warn("leave after reconnect failed", slog.String("group", m.resource+":"+m.id), slog.String("error", err.Error()))
		}
	}

	for _, fn := range hooks {
		fn(ctx)
	}
	return conn, true
}

// rejoin re-sends every recorded membership on conn and returns what it
// sent.
func (t *Transport) rejoin(ctx context.Context, conn *websocket.Conn) ([]membership, error) {
	t.mu.Lock()
	groups := make([]membership, 0, len(t.joined))
	for m := range t.joined {
		groups = append(groups, m)
	}
	t.mu.Unlock()

	sortMemberships(groups)
	for _, m := range groups {
		if err := write(ctx, conn, protocol.JoinEvent(m.resource), protocol.MembershipPayload{ResourceID: m.id}); err != nil {
			return nil, fmt.Errorf("rejoin %s:%s: %w", m.resource, m.id, err)
		}
	}
	return groups, nil
}

// diffMemberships returns the memberships in joined that were not sent and
// the sent ones that are no longer joined.
func diffMemberships(joined map[membership]struct{}, sent []membership) (joins, leaves []membership) {
	was := make(map[membership]struct{}, len(sent))
	for _, m := range sent {
		was[m] = struct{}{}
		if _, ok := joined[m]; !ok {
			leaves = append(leaves, m)
		}
	}
	for m := range joined {
		if _, ok := was[m]; !ok {
			joins = append(joins, m)
		}
	}
	sortMemberships(joins)
	return joins, leaves
}

func sortMemberships(ms []membership) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].resource != ms[j].resource {
			return ms[i].resource < ms[j].resource
		}
		return ms[i].id < ms[j].id
	})
}

func (t *Transport) goOffline(err *domain.ConnectionError) {
	t.mu.Lock()
	hooks := append([]func(*domain.ConnectionError){}, t.onOffline...)
	t.mu.Unlock()

	t.setState(StateOffline)
	t.log.Error("connection offline", slog.String("error", err.Error()))
	for _, fn := range hooks {
		fn(err)
	}
}

func (t *Transport) dispatch(env protocol.Envelope) {
	t.mu.Lock()
	hs := make([]Handler, 0, len(t.handlers[env.Event]))
	ids := make([]uint64, 0, len(t.handlers[env.Event]))
	for id := range t.handlers[env.Event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		hs = append(hs, t.handlers[env.Event][id])
	}
	t.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	hooks := t.transitionLocked(s)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// transitionLocked moves to s and returns the observers to notify, none
// when the state is unchanged.
func (t *Transport) transitionLocked(s State) []func(State) {
	if t.state == s {
		return nil
	}
	t.state = s
	return append([]func(State){}, t.onState...)
}

func write(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}
