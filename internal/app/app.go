// Package app wires configuration, the durable store, the realtime hub and
// the HTTP server into one process and runs it until the context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/pelusa-desk/internal/auth"
	"github.com/pelusa-v/pelusa-desk/internal/config"
	"github.com/pelusa-v/pelusa-desk/internal/domain"
	"github.com/pelusa-v/pelusa-desk/internal/handlers"
	"github.com/pelusa-v/pelusa-desk/internal/realtime"
	"github.com/pelusa-v/pelusa-desk/internal/respcache"
	"github.com/pelusa-v/pelusa-desk/internal/store"
	"github.com/pelusa-v/pelusa-desk/internal/store/memory"
	"github.com/pelusa-v/pelusa-desk/internal/store/postgres"
)

// Server is the assembled process: HTTP app, hub and store.
type Server struct {
	App   *fiber.App
	Hub   *realtime.Hub
	Store store.Store

	cfg *config.Config
	log *slog.Logger
}

// NewServer opens the store and builds the hub and HTTP app. Close the
// returned server's store when done.
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	clock := clockwork.NewRealClock()

	st, err := openStore(ctx, cfg.Database, clock, log)
	if err != nil {
		return nil, err
	}

	var verifier realtime.Verifier
	if cfg.Auth.TokensEnabled() {
		verifier = auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL, clock)
	}

	hub := realtime.NewHub(realtime.Options{
		SendBuffer:    cfg.Realtime.SendBuffer,
		InboundBuffer: cfg.Realtime.InboundBuffer,
		WriteTimeout:  cfg.Realtime.WriteTimeout,
		Verifier:      verifier,
		OnAuthenticated: func(ctx context.Context, id domain.Identity) {
			if err := st.UpsertIdentity(ctx, id); err != nil {
				log.Warn("identity directory update failed",
					slog.String("user_id", id.ID),
					slog.String("error", err.Error()),
				)
			}
		},
		Clock: clock,
	}, log)

	var cache *respcache.Cache
	if cfg.Cache.Enabled {
		cache, err = respcache.New(cfg.Cache.MaxEntries, cfg.Cache.ResponseTTL, clock)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("response cache: %w", err)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "pelusa-desk",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          handlers.ErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(handlers.AccessLog(log))

	handlers.Register(app, handlers.Options{
		Store:     st,
		Hub:       hub,
		Verifier:  verifier,
		Cache:     cache,
		RateLimit: cfg.RateLimit.PerMinute,
		Origins:   cfg.Realtime.Origins(),
		Version:   BuildVersion(),
		Clock:     clock,
		Logger:    log,
	})

	return &Server{App: app, Hub: hub, Store: st, cfg: cfg, log: log}, nil
}

// Run serves until ctx is cancelled or the listener fails. On shutdown the
// hub closes every connection before the HTTP server drains.
func (s *Server) Run(ctx context.Context) error {
	defer s.Store.Close()

	addr := s.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()

	g.Go(func() error {
		return s.Hub.Run(hubCtx)
	})

	g.Go(func() error {
		s.log.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("version", BuildVersion()))
		if err := s.App.Listener(ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		stopHub()
		err := s.App.ShutdownWithTimeout(s.cfg.Server.ShutdownTimeout)
		// Serve may not have taken the listener yet.
		_ = ln.Close()
		return err
	})

	return g.Wait()
}

// Run builds the server from cfg and runs it.
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, clock clockwork.Clock, log *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, cfg.DSN, log); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		log.Info("using postgres store")
		return postgres.New(pool, clock), nil

	case "", "memory":
		log.Info("using in-memory store")
		return memory.New(clock), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
