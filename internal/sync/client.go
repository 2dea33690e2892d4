package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/haven-assistant/haven/internal/httpkit"
	"github.com/haven-assistant/haven/internal/store"
	"github.com/haven-assistant/haven/internal/vault"
)

// AuthError reports rejected credentials. It is surfaced to the
// caller and never silently retried with the same credentials.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Detail)
}

// Client talks to the remote authority. All data calls require a
// prior Login; the session id rides as a cookie on every request.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu      stdsync.Mutex
	session string
}

// NewClient creates a remote authority client. timeout bounds each
// individual call.
func NewClient(baseURL, username, password string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(2, time.Second),
		),
		logger: logger,
	}
}

// Login exchanges credentials for a session id. Call before any data
// operation; a 401/403 comes back as *AuthError.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Status: resp.StatusCode, Detail: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if out.SessionID == "" {
		return fmt.Errorf("login: empty session id")
	}

	c.mu.Lock()
	c.session = out.SessionID
	c.mu.Unlock()
	c.logger.Debug("authenticated with remote", "remote", c.baseURL)
	return nil
}

// Authenticated reports whether a session is held.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != ""
}

// BaseURL identifies the remote this client targets. It keys the
// local sync cursor.
func (c *Client) BaseURL() string { return c.baseURL }

// Metadata is the remote's provider/model inventory.
type Metadata struct {
	Providers []string  `json:"providers"`
	Models    []string  `json:"models"`
	ServerAt  time.Time `json:"serverAt"`
}

// Metadata fetches provider/model metadata. Callers should go through
// the engine's cache rather than hitting this on every lookup.
func (c *Client) Metadata(ctx context.Context) (*Metadata, error) {
	var out Metadata
	if err := c.getJSON(ctx, "/api/metadata", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MemoryQuery filters a paginated memory fetch.
type MemoryQuery struct {
	Offset  int
	Limit   int
	Since   time.Time // zero = no lower bound
	Exclude []string  // record ids the caller already holds
}

// MemoryPage is one page of remote memories.
type MemoryPage struct {
	Memories []*store.Memory `json:"memories"`
	HasMore  bool            `json:"hasMore"`
}

// FetchMemories pulls one page of memories.
func (c *Client) FetchMemories(ctx context.Context, q MemoryQuery) (*MemoryPage, error) {
	vals := url.Values{}
	vals.Set("offset", strconv.Itoa(q.Offset))
	vals.Set("limit", strconv.Itoa(q.Limit))
	if !q.Since.IsZero() {
		vals.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	for _, id := range q.Exclude {
		vals.Add("exclude", id)
	}
	var out MemoryPage
	if err := c.getJSON(ctx, "/sync/memories", vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPersonaComponent fetches one persona component by key.
func (c *Client) GetPersonaComponent(ctx context.Context, key string) (*store.PersonaComponent, error) {
	var out store.PersonaComponent
	if err := c.getJSON(ctx, "/sync/persona/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutPersonaComponent uploads one persona component.
func (c *Client) PutPersonaComponent(ctx context.Context, p *store.PersonaComponent) error {
	return c.doJSON(ctx, http.MethodPut, "/sync/persona/"+url.PathEscape(p.Key), p, nil)
}

// FetchTasks pulls the remote task list.
func (c *Client) FetchTasks(ctx context.Context) ([]*store.Task, error) {
	var out struct {
		Tasks []*store.Task `json:"tasks"`
	}
	if err := c.getJSON(ctx, "/sync/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ChangeSet is one page of remote changes across all record families.
type ChangeSet struct {
	Memories []*store.Memory            `json:"memories"`
	Personas []*store.PersonaComponent  `json:"personas"`
	Tasks    []*store.Task              `json:"tasks"`
	Accounts []*store.Account           `json:"accounts"`
	ServerAt time.Time                  `json:"serverAt"`
	HasMore  bool                       `json:"hasMore"`
}

func (cs *ChangeSet) count() int {
	return len(cs.Memories) + len(cs.Personas) + len(cs.Tasks) + len(cs.Accounts)
}

// Changes fetches one page of changes since the cursor.
func (c *Client) Changes(ctx context.Context, since time.Time, offset, limit int) (*ChangeSet, error) {
	vals := url.Values{}
	vals.Set("offset", strconv.Itoa(offset))
	vals.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		vals.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out ChangeSet
	if err := c.getJSON(ctx, "/sync/changes", vals, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// pushBatch carries one upload batch. Families the batch does not
// touch stay empty.
type pushBatch struct {
	Memories []*store.Memory           `json:"memories,omitempty"`
	Personas []*store.PersonaComponent `json:"personas,omitempty"`
	Tasks    []*store.Task             `json:"tasks,omitempty"`
	Accounts []*store.Account          `json:"accounts,omitempty"`
}

// pushResult is the server's acknowledgement: the timestamp it
// assigned to everything in the batch.
type pushResult struct {
	ServerAt time.Time `json:"serverAt"`
}

// Push uploads one batch and returns the server-assigned timestamp.
func (c *Client) Push(ctx context.Context, batch *pushBatch) (time.Time, error) {
	var out pushResult
	if err := c.doJSON(ctx, http.MethodPost, "/sync/push", batch, &out); err != nil {
		return time.Time{}, err
	}
	if out.ServerAt.IsZero() {
		out.ServerAt = time.Now().UTC()
	}
	return out.ServerAt, nil
}

// FetchSettings pulls the remote copy of the sealed settings mirror.
func (c *Client) FetchSettings(ctx context.Context) (*vault.Document, error) {
	var out vault.Document
	if err := c.getJSON(ctx, "/sync/settings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushSettings uploads the settings mirror.
func (c *Client) PushSettings(ctx context.Context, doc *vault.Document) error {
	return c.doJSON(ctx, http.MethodPost, "/sync/settings", doc, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, vals url.Values, out any) error {
	u := c.baseURL + path
	if len(vals) > 0 {
		u += "?" + vals.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return c.do(ctx, method, c.baseURL+path, body, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, out any) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == "" {
		return &AuthError{Status: http.StatusUnauthorized, Detail: "not logged in"}
	}

	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "session", Value: session})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Session expired or revoked. The engine invalidates the
		// cursor's verification state; it does not retry here.
		return &AuthError{Status: resp.StatusCode, Detail: httpkit.ReadErrorBody(resp.Body, 512)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode,
			httpkit.ReadErrorBody(resp.Body, 512))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", rawURL, err)
	}
	return nil
}
