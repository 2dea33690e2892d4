package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haven-assistant/haven/internal/httpkit"
)

// HTTPClient executes chat requests against a tier's HTTP endpoint.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sessionID, when set, is sent as a session cookie on every
	// request. The remote authority requires it after login;
	// re-authentication may swap it while calls are in flight.
	mu        sync.Mutex
	sessionID string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithSession sets the session id carried on requests.
func WithSession(id string) HTTPOption {
	return func(c *HTTPClient) { c.sessionID = id }
}

// WithChatTimeout overrides the default request timeout.
func WithChatTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = httpkit.NewClient(httpkit.WithTimeout(d))
	}
}

// NewHTTPClient creates a chat client for one tier endpoint.
func NewHTTPClient(baseURL string, logger *slog.Logger, opts ...HTTPOption) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &HTTPClient{
		baseURL: baseURL,
		// Large models need time; the dispatch layer enforces its own
		// per-call context deadlines on top.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetSession updates the session id after (re-)authentication.
func (c *HTTPClient) SetSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// chatRequest is the wire format for the chat endpoint.
type chatRequest struct {
	Message string    `json:"message"`
	History []Message `json:"history,omitempty"`
}

// chatResponse is the wire format of the chat reply.
type chatResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// Chat posts one message plus bounded history. Any non-2xx status or
// transport failure is a tier failure for the dispatch cascade.
func (c *HTTPClient) Chat(ctx context.Context, message string, history []Message) (*ChatResponse, error) {
	body, err := json.Marshal(chatRequest{Message: message, History: history})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "chat request",
		"url", c.baseURL+"/chat",
		"payload", string(body),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addSession(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat returned %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &ChatResponse{Response: out.Response, Model: out.Model}, nil
}

// Ping checks the endpoint's health route.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.addSession(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) addSession(req *http.Request) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id != "" {
		req.AddCookie(&http.Cookie{Name: "session", Value: id})
	}
}
