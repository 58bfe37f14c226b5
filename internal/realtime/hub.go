// Package realtime is the persistent-connection server: a registry of live
// connections, the distribution groups they join and the broadcaster that
// fans events out to those groups.
//
// All membership changes and every publish run on the Hub's dispatch loop,
// so routing one event always sees a consistent view of its groups. State is
// process-local.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/protocol"
)

// Verifier turns an identity token into an identity.
type Verifier interface {
	Verify(token string) (domain.Identity, error)
}

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	SendBuffer    int
	InboundBuffer int
	WriteTimeout  time.Duration

	// Verifier, when set, makes a token mandatory on authenticate.
	Verifier Verifier
	// OnAuthenticated runs outside the dispatch loop after every
	// successful authentication.
	OnAuthenticated func(ctx context.Context, id domain.Identity)

	Clock clockwork.Clock
}

type frame struct {
	conn *Conn
	data []byte
}

// Hub owns the Registry and Broadcaster and serializes access to both.
type Hub struct {
	registry    *Registry
	broadcaster *Broadcaster
	opts        Options
	log         *slog.Logger

	register   chan *Conn
	unregister chan *Conn
	inbound    chan frame
	publish    chan protocol.Event
	done       chan struct{}
}

// NewHub creates a hub. Run must be called before connections are served.
func NewHub(opts Options, log *slog.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	log = log.With("component", "hub")
	registry := NewRegistry()
	return &Hub{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, opts.Clock, log),
		opts:        opts,
		log:         log,
		register:    make(chan *Conn),
		unregister:  make(chan *Conn),
		inbound:     make(chan frame, opts.InboundBuffer),
		publish:     make(chan protocol.Event, opts.InboundBuffer),
		done:        make(chan struct{}),
	}
}

// Registry exposes the hub's registry for read-only introspection.
func (h *Hub) Registry() *Registry { return h.registry }

// Run is the dispatch loop. It returns when ctx is cancelled, after closing
// every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.log.Info("hub started")

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.registry.drain() {
				close(c.send)
			}
			h.log.Info("hub stopped")
			return nil

		case c := <-h.register:
			h.registry.Register(c)
			h.log.Debug("connection registered", slog.String("conn_id", c.ID))

		case c := <-h.unregister:
			if h.registry.Unregister(c) {
				close(c.send)
				h.log.Debug("connection unregistered", slog.String("conn_id", c.ID))
			}

		case f := <-h.inbound:
			h.handle(ctx, f)

		case ev := <-h.publish:
			if _, err := h.broadcaster.Publish(ev, nil); err != nil {
				h.log.Error("publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Serve runs one connection until its socket closes. It blocks, so it is
// suitable as the body of a websocket handler.
func (h *Hub) Serve(ws ConnLike) {
	c := newConn(uuid.NewString(), ws, h.opts.SendBuffer, h.log)

	select {
	case h.register <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go c.WritePump(h.opts.WriteTimeout, h.opts.Clock.Now)
	c.ReadPump(h)

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish queues a server-originated event for fan-out.
func (h *Hub) Publish(ctx context.Context, ev protocol.Event) error {
	select {
	case <-h.done:
		return domain.ErrNotConnected
	default:
	}

	select {
	case h.publish <- ev:
		return nil
	case <-h.done:
		return domain.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the number of live connections and non-empty groups.
func (h *Hub) Stats() (connections, groups int) {
	return h.registry.Count(), h.registry.GroupCount()
}

func (h *Hub) submit(f frame) bool {
	select {
	case h.inbound <- f:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handle(ctx context.Context, f frame) {
	c := f.conn
	if !h.registry.Has(c) {
		// Frame queued before the connection went away.
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(f.data, &env); err != nil {
		h.fail(c, "malformed frame")
		return
	}

	in, err := protocol.Decode(env)
	if err != nil {
		h.log.Warn("rejected frame",
			slog.String("conn_id", c.ID),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
		h.fail(c, err.Error())
		return
	}

	if a, ok := in.(protocol.Authenticate); ok {
		h.authenticate(ctx, c, a)
		return
	}

	self, authed := h.registry.IdentityOf(c)
	if !authed {
		h.fail(c, "authenticate first")
		return
	}

	switch v := in.(type) {
	case protocol.Join:
		h.registry.Join(ResourceGroup(v.Resource, v.ResourceID), c)

	case protocol.Leave:
		h.registry.Leave(ResourceGroup(v.Resource, v.ResourceID), c)

	case protocol.ChatMessageEvent:
		// The authenticated identity is the sender.
		v.Message.SenderID = self.ID
		if v.Message.SenderName == "" {
			v.Message.SenderName = self.Name
		}
		if v.Message.ReceiverID == self.ID {
			h.fail(c, "cannot message yourself")
			return
		}
		h.publishFrom(c, v)

	case protocol.ChatReadReceiptEvent:
		v.ReaderID = self.ID
		h.publishFrom(c, v)

	case protocol.Event:
		h.publishFrom(c, v)
	}
}

func (h *Hub) authenticate(ctx context.Context, c *Conn, a protocol.Authenticate) {
	id := domain.Identity{ID: a.UserID, Name: a.Name, Role: a.Role}

	if h.opts.Verifier != nil {
		verified, err := h.opts.Verifier.Verify(a.Token)
		if err != nil {
			h.log.Warn("authentication rejected",
				slog.String("conn_id", c.ID),
				slog.String("error", err.Error()),
			)
			h.fail(c, "authentication failed")
			return
		}
		id = verified
	}
	if !id.Valid() {
		h.fail(c, "userId is required")
		return
	}

	if !h.registry.Authenticate(c, id) {
		return
	}
	h.log.Info("connection authenticated",
		slog.String("conn_id", c.ID),
		slog.String("user_id", id.ID),
	)
	h.reply(c, protocol.EventAuthenticated, protocol.AuthenticatedPayload{ConnectionID: c.ID, UserID: id.ID})

	if h.opts.OnAuthenticated != nil {
		go h.opts.OnAuthenticated(context.WithoutCancel(ctx), id)
	}
}

func (h *Hub) publishFrom(c *Conn, ev protocol.Event) {
	if _, err := h.broadcaster.Publish(ev, c); err != nil {
		h.log.Error("publish failed", slog.String("conn_id", c.ID), slog.String("error", err.Error()))
		h.fail(c, "internal error")
	}
}

// reply sends a frame to one connection only.
func (h *Hub) reply(c *Conn, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("encode reply", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	now := h.opts.Clock.Now().UTC()
	env.ID = uuid.NewString()
	env.Timestamp = &now

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		h.log.Warn("reply dropped: send buffer full", slog.String("conn_id", c.ID), slog.String("event", event))
	}
}

func (h *Hub) fail(c *Conn, msg string) {
	h.reply(c, protocol.EventError, protocol.ErrorPayload{Message: msg})
}
