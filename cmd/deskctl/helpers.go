package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelusa-v/pelusa-desk/internal/clientsync"
	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func identityOf(cfg *Config) (domain.Identity, error) {
	id := domain.Identity{ID: cfg.Identity.ID, Name: cfg.Identity.Name, Role: cfg.Identity.Role}
	if !id.Valid() {
		return id, fmt.Errorf("no identity configured; run 'deskctl config set identity.id <id>'")
	}
	return id, nil
}

// apiClient returns a REST-only client; no connection is opened.
func apiClient() (*clientsync.APIClient, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return clientsync.NewAPIClient(cfg.Server.URL, cfg.Identity.Token, nil), cfg, nil
}

// connect starts a live client. Callers must Close it.
func connect(ctx context.Context) (*clientsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	id, err := identityOf(cfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := clientsync.NewClient(clientsync.ClientConfig{
		ServerURL: cfg.Server.URL,
		Identity:  id,
		Token:     cfg.Identity.Token,
		Logger:    cliLogger(),
	})
	if err != nil {
		return nil, nil, err
	}
	client.Chat.OnFailure(func(err *domain.MutationError) {
		fmt.Fprintf(os.Stderr, "! %v (reverted)\n", err)
	})
	client.Cases.OnFailure(func(err *domain.MutationError) {
		fmt.Fprintf(os.Stderr, "! %v (reverted)\n", err)
	})

	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, cfg, nil
}

// interruptible returns a context cancelled by Ctrl-C or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04")
}
