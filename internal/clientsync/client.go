package clientsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// ServerURL is the HTTP base URL, e.g. http://localhost:3000.
	ServerURL   string
	Identity    domain.Identity
	Token       string
	MaxAttempts int
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Client bundles the transport, the REST client and both sync layers for
// one identity.
type Client struct {
	Transport *Transport
	API       *APIClient
	Chat      *ChatSync
	Cases     *CaseSync

	log *slog.Logger
}

// NewClient wires a client. Nothing connects until Start.
func NewClient(cfg ClientConfig) (*Client, error) {
	if !cfg.Identity.Valid() {
		return nil, domain.NewValidationError("identity", "id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	wsURL, err := WebSocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	transport := NewTransport(TransportConfig{
		URL:         wsURL,
		Identity:    cfg.Identity,
		Token:       cfg.Token,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      cfg.Logger,
	})
	api := NewAPIClient(cfg.ServerURL, cfg.Token, cfg.HTTPClient)
	cases, err := NewCaseSync(api, transport, CaseSyncOptions{Clock: cfg.Clock, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	return &Client{
		Transport: transport,
		API:       api,
		Chat:      NewChatSync(cfg.Identity, api, transport, cfg.Clock, cfg.Logger),
		Cases:     cases,
		log:       cfg.Logger,
	}, nil
}

// Start connects, subscribes both sync layers and loads the conversation
// summaries. Summaries are reloaded after every reconnect.
func (c *Client) Start(ctx context.Context) error {
	c.Chat.Start()
	c.Cases.Start()
	c.Transport.OnReconnected(func(ctx context.Context) {
		if err := c.Chat.Resync(ctx); err != nil {
			c.log.Warn("resync after reconnect failed", slog.String("error", err.Error()))
		}
	})

	if err := c.Transport.Connect(ctx); err != nil {
		return err
	}
	return c.Chat.Resync(ctx)
}

// Close unsubscribes and disconnects.
func (c *Client) Close() error {
	c.Chat.Close()
	c.Cases.Close()
	return c.Transport.Close()
}

// WebSocketURL derives the websocket endpoint from an HTTP base URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
