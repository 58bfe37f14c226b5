package clientsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-desk/internal/domain"
)

// DefaultTimeout bounds every REST call.
const DefaultTimeout = 15 * time.Second

// ChatAPI is the durable-store surface ChatSync reconciles against.
type ChatAPI interface {
	SendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	Conversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	Messages(ctx context.Context, userID, otherID string, limit int) ([]domain.ChatMessage, error)
	MarkRead(ctx context.Context, readerID, senderID string) error
}

// CaseAPI is the durable-store surface CaseSync reconciles against.
type CaseAPI interface {
	GetCase(ctx context.Context, id string) (domain.Case, error)
	UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.Case, error)
}

// Status is the server's introspection payload.
type Status struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Groups      int    `json:"groups"`
	Version     string `json:"version"`
}

// APIClient talks to the server's REST surface.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var (
	_ ChatAPI = (*APIClient)(nil)
	_ CaseAPI = (*APIClient)(nil)
)

// NewAPIClient creates a client for baseURL (e.g. http://localhost:3000).
// token, when set, is sent as a bearer token.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// SendMessage stores msg. The server keeps the id the client minted.
func (c *APIClient) SendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	err := c.do(ctx, http.MethodPost, "/api/chat/messages", nil, msg, &out)
	return out, err
}

// Conversations lists the summaries of userID.
func (c *APIClient) Conversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/chat/conversations", url.Values{"userId": {userID}}, nil, &out)
	return out, err
}

// Messages returns the history between two identities, oldest first.
func (c *APIClient) Messages(ctx context.Context, userID, otherID string, limit int) ([]domain.ChatMessage, error) {
	q := url.Values{"userId": {userID}, "otherUserId": {otherID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []domain.ChatMessage
	err := c.do(ctx, http.MethodGet, "/api/chat/messages", q, nil, &out)
	return out, err
}

// MarkRead marks senderID's messages to readerID read.
func (c *APIClient) MarkRead(ctx context.Context, readerID, senderID string) error {
	body := map[string]string{"senderId": senderID, "receiverId": readerID}
	return c.do(ctx, http.MethodPost, "/api/chat/read", nil, body, nil)
}

// GetCase fetches one case.
func (c *APIClient) GetCase(ctx context.Context, id string) (domain.Case, error) {
	var out domain.Case
	err := c.do(ctx, http.MethodGet, "/api/cases/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// CreateCase creates a case.
func (c *APIClient) CreateCase(ctx context.Context, cs domain.Case) (domain.Case, error) {
	var out domain.Case
	err := c.do(ctx, http.MethodPost, "/api/cases", nil, cs, &out)
	return out, err
}

// UpdateCase applies patch to a case.
func (c *APIClient) UpdateCase(ctx context.Context, id string, patch domain.CasePatch) (domain.Case, error) {
	var out domain.Case
	err := c.do(ctx, http.MethodPatch, "/api/cases/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

// Status fetches the server status.
func (c *APIClient) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %w: %s", method, path, statusError(resp.StatusCode), eb.Error)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// statusError maps an HTTP status to the domain sentinel it stands for.
func statusError(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	}
	return fmt.Errorf("http %d", code)
}
