// Package handlers is the HTTP surface of the server: the websocket
// upgrade into the realtime hub and the REST routes over the durable store.
package handlers

import (
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/realtime"
	"github.com/pelusa-v/pelusa-desk/internal/respcache"
	"github.com/pelusa-v/pelusa-desk/internal/store"
)

// Hub is the part of the realtime hub the handlers use.
type Hub interface {
	Serve(ws realtime.ConnLike)
	Stats() (connections, groups int)
}

// Options configures the routes.
type Options struct {
	Store store.Store
	Hub   Hub
	// Verifier, when set, requires a bearer token on REST routes.
	Verifier realtime.Verifier
	// Cache, when set, serves GET reads from the response cache.
	Cache     *respcache.Cache
	RateLimit int
	Origins   []string
	Version   string
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Handler serves the REST and websocket routes.
type Handler struct {
	store    store.Store
	hub      Hub
	verifier realtime.Verifier
	version  string
	clock    clockwork.Clock
	log      *slog.Logger
}

// Register mounts every route on app.
//
//	GET   /ws                      websocket
//	GET   /api/status
//	GET   /api/chat/conversations  ?userId=
//	GET   /api/chat/messages       ?userId=&otherUserId=&limit=
//	POST  /api/chat/messages
//	POST  /api/chat/read
//	POST  /api/cases
//	GET   /api/cases/:id
//	PATCH /api/cases/:id
func Register(app *fiber.App, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		store:    opts.Store,
		hub:      opts.Hub,
		verifier: opts.Verifier,
		version:  opts.Version,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "http"),
	}

	app.Get("/ws", upgradeOnly, websocket.New(h.serveWS, websocket.Config{Origins: opts.Origins}))

	api := app.Group("/api")
	if opts.RateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        opts.RateLimit,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
			},
		}))
	}

	api.Get("/status", h.Status)

	cached := passThrough
	if opts.Cache != nil {
		cached = respcache.Middleware(opts.Cache, opts.Logger)
	}
	authed := h.RequireIdentity
	owner := actingAsQuery("userId")

	api.Get("/chat/conversations", authed, owner, cached, h.Conversations)
	api.Get("/chat/messages", authed, owner, cached, h.Messages)
	api.Post("/chat/messages", authed, h.SendMessage)
	api.Post("/chat/read", authed, h.MarkRead)

	api.Post("/cases", authed, h.CreateCase)
	api.Get("/cases/:id", authed, cached, h.GetCase)
	api.Patch("/cases/:id", authed, h.UpdateCase)

	return h
}

func passThrough(c *fiber.Ctx) error { return c.Next() }
