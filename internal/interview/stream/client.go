package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxLineBytes bounds one SSE line; audio fragments are the largest payload
// (base64 of up to a few seconds of PCM).
const maxLineBytes = 4 << 20

// TurnRequest describes one user turn. Exactly one of Audio or Message is
// normally set; both may be set when a typed correction accompanies audio.
type TurnRequest struct {
	SessionID    string
	SystemPrompt string
	History      []HistoryTurn

	// Audio is the captured utterance, already in its upload encoding.
	Audio []byte

	// AudioFormat names the encoding of Audio ("pcm" or "opus"). Ignored
	// when Audio is empty.
	AudioFormat string

	// Message is the typed-answer fallback text.
	Message string
}

// GreetingRequest describes a greeting turn: the backend skips reasoning and
// synthesizes Text literally. Greeting turns never carry history.
type GreetingRequest struct {
	SessionID    string
	SystemPrompt string
	Text         string
}

// Client executes turn exchanges against the backend. At most one exchange
// is in flight at a time; starting a new one aborts any prior in-flight
// request first. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiConfig  json.RawMessage
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight exchange, nil when idle
	gen    uint64             // identifies the current exchange
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. The default has no
// timeout because an exchange legitimately lasts as long as the backend
// streams; cancellation is the caller's tool.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIConfig sets the opaque api_config blob forwarded on every turn
// (credentials and model selection, owned by the backend contract).
func WithAPIConfig(cfg json.RawMessage) Option {
	return func(c *Client) { c.apiConfig = cfg }
}

// WithAPIKey sets the bearer token attached to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// New creates a Client for the backend at baseURL (no trailing slash).
func New(baseURL string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		log:        log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendTurn streams one user turn. It returns after the stream naturally
// ends or is cancelled; all results are delivered through consumer. A
// transport failure or non-2xx response surfaces as a single synthetic
// error event. Cancellation surfaces as nothing at all.
func (c *Client) SendTurn(ctx context.Context, req TurnRequest, consumer Consumer) {
	payload := turnPayload{
		SessionID:    req.SessionID,
		APIConfig:    c.apiConfig,
		SystemPrompt: req.SystemPrompt,
		History:      req.History,
		Message:      req.Message,
	}
	if payload.History == nil {
		payload.History = []HistoryTurn{}
	}
	if len(req.Audio) > 0 {
		payload.Audio = base64.StdEncoding.EncodeToString(req.Audio)
		payload.AudioFormat = req.AudioFormat
	}
	c.exchange(ctx, payload, consumer)
}

// SendGreeting streams the greeting turn: no history, is_greeting set, the
// supplied text synthesized literally.
func (c *Client) SendGreeting(ctx context.Context, req GreetingRequest, consumer Consumer) {
	c.exchange(ctx, turnPayload{
		SessionID:    req.SessionID,
		APIConfig:    c.apiConfig,
		SystemPrompt: req.SystemPrompt,
		History:      []HistoryTurn{},
		Message:      req.Text,
		IsGreeting:   true,
	}, consumer)
}

// Cancel aborts the in-flight exchange, if any. The aborted SendTurn or
// SendGreeting call returns without emitting further events; state already
// committed by dispatched events is unchanged.
func (c *Client) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// exchange performs one POST and demultiplexes its event stream.
func (c *Client) exchange(ctx context.Context, payload turnPayload, consumer Consumer) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One exchange at a time: displace any prior in-flight request.
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		// Another exchange may already have displaced us.
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		c.emitError(ctx, consumer, fmt.Errorf("stream: marshal turn request: %w", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/interview/stream", bytes.NewReader(body))
	if err != nil {
		c.emitError(ctx, consumer, fmt.Errorf("stream: create request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.emitError(ctx, consumer, fmt.Errorf("stream: http request: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.emitError(ctx, consumer, fmt.Errorf("stream: server returned HTTP %d", resp.StatusCode))
		return
	}

	c.readLoop(ctx, resp, consumer)
	c.log.Debug("stream: exchange finished",
		"session_id", payload.SessionID, "greeting", payload.IsGreeting, "took", time.Since(start))
}

// readLoop consumes data: lines until the stream ends. Each data line holds
// one JSON event; blank lines delimit logical messages. Malformed lines are
// logged and swallowed so one bad event cannot abort a healthy stream.
//
// A stream that the server closes without a done event must not leave the
// caller hanging: when a complete was already delivered the missing done is
// synthesized (the turn is effectively over), otherwise the truncation
// surfaces as a synthetic error event.
func (c *Client) readLoop(ctx context.Context, resp *http.Response, consumer Consumer) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	sawComplete := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue // message delimiter
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Field names other than data (event:, id:, comments) are not
			// part of the backend contract; skip them.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Warn("stream: swallowing malformed event line", "err", err, "line_len", len(data))
			continue
		}

		if ev.Type == EventComplete {
			sawComplete = true
		}
		if done := c.dispatch(ev, consumer); done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		c.emitError(ctx, consumer, fmt.Errorf("stream: read: %w", err))
		return
	}
	if ctx.Err() != nil {
		return // cancelled mid-stream, exit silently
	}
	if sawComplete {
		c.log.Warn("stream: server closed stream without done after complete, synthesizing done")
		if consumer.OnDone != nil {
			consumer.OnDone()
		}
		return
	}
	c.emitError(ctx, consumer, errors.New("stream: server closed stream before done event"))
}

// dispatch routes one event and reports whether the exchange is finished.
func (c *Client) dispatch(ev wireEvent, consumer Consumer) bool {
	switch ev.Type {
	case EventText:
		if consumer.OnText != nil {
			consumer.OnText(ev.Content)
		}
	case EventAudio:
		pcm, err := base64.StdEncoding.DecodeString(ev.Content)
		if err != nil {
			c.log.Warn("stream: swallowing undecodable audio fragment", "err", err)
			return false
		}
		if consumer.OnAudio != nil {
			consumer.OnAudio(pcm)
		}
	case EventProgress:
		if consumer.OnProgress != nil {
			consumer.OnProgress(ev.Current)
		}
	case EventComplete:
		if consumer.OnComplete != nil {
			consumer.OnComplete()
		}
	case EventDone:
		if consumer.OnDone != nil {
			consumer.OnDone()
		}
		return true
	case EventError:
		if consumer.OnError != nil {
			consumer.OnError(errors.New(ev.Content))
		}
	default:
		c.log.Debug("stream: ignoring unknown event type", "type", ev.Type)
	}
	return false
}

// emitError delivers one synthetic error event, unless the exchange was
// cancelled — cancellation exits silently.
func (c *Client) emitError(ctx context.Context, consumer Consumer, err error) {
	if ctx.Err() != nil {
		return
	}
	c.log.Warn("stream: exchange failed", "err", err)
	if consumer.OnError != nil {
		consumer.OnError(err)
	}
}
