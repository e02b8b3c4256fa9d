// Package backend is the HTTP client for the interview backend's session
// endpoints: creating or resuming a session and fetching the authoritative
// session detail. The per-turn streaming exchange lives in
// internal/interview/stream; this client covers the plain request/response
// surface around it.
//
// The session detail fetch retries with bounded exponential backoff because
// it is the final history sync during teardown — losing it means the
// post-session review shows an incomplete interview.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Default retry parameters for the detail fetch.
const (
	defaultMaxRetries = 4
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

// TurnRecord is one conversation turn as the backend stores it.
type TurnRecord struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// InitRequest asks the backend to create a fresh session or resume an
// existing one.
type InitRequest struct {
	// SessionID resumes an existing session when non-empty; empty creates a
	// new one.
	SessionID string `json:"session_id,omitempty"`

	// ClientRequestID deduplicates retried init calls server-side.
	ClientRequestID string `json:"client_request_id"`

	// JobDescription and ResumeText seed the interviewer's context.
	JobDescription string `json:"job_description,omitempty"`
	ResumeText     string `json:"resume_text,omitempty"`
}

// SessionInit is the backend's answer to an init request.
type SessionInit struct {
	SessionID string `json:"session_id"`

	// GreetingText is the literal opening line to synthesize. Ignored when
	// History is non-empty (a resumed session never re-speaks its greeting).
	GreetingText string `json:"greeting_text"`

	// SystemPrompt is the interviewer persona for this session.
	SystemPrompt string `json:"system_prompt"`

	// History is non-empty when the session is resumed.
	History []TurnRecord `json:"history"`

	RoundIndex int `json:"round_index"`
	MaxTurns   int `json:"max_turns"`
}

// SessionDetail is the authoritative session state, fetched during teardown
// as the final history sync.
type SessionDetail struct {
	SessionID string       `json:"session_id"`
	Name      string       `json:"name"`
	Status    string       `json:"status"`
	History   []TurnRecord `json:"history"`
}

// Client talks to the backend's session endpoints. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger

	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token attached to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRetry overrides the detail-fetch retry parameters.
func WithRetry(maxRetries int, backoff, maxBackoff time.Duration) Option {
	return func(c *Client) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// New creates a Client for the backend at baseURL (no trailing slash).
func New(baseURL string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// InitSession creates or resumes an interview session. Not retried: the
// caller surfaces init failures directly and the user can start over.
func (c *Client) InitSession(ctx context.Context, req InitRequest) (SessionInit, error) {
	if req.ClientRequestID == "" {
		req.ClientRequestID = uuid.NewString()
	}

	var out SessionInit
	if err := c.postJSON(ctx, "/api/interview/sessions/init", req, &out); err != nil {
		return SessionInit{}, fmt.Errorf("backend: init session: %w", err)
	}
	if out.SessionID == "" {
		return SessionInit{}, fmt.Errorf("backend: init session: response carries no session_id")
	}
	return out, nil
}

// SessionDetail fetches the authoritative session state, retrying transient
// failures with exponential backoff. The context bounds the whole attempt
// sequence.
func (c *Client) SessionDetail(ctx context.Context, sessionID string) (SessionDetail, error) {
	var out SessionDetail
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.getJSON(ctx, "/api/interview/sessions/"+sessionID, &out)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}

		c.log.Warn("backend: session detail fetch failed, retrying",
			"session_id", sessionID, "attempt", attempt, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return SessionDetail{}, fmt.Errorf("backend: session detail: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return SessionDetail{}, fmt.Errorf("backend: session detail after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
