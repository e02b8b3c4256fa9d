package interview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/capture"
	"github.com/voxprep/voxprep/internal/interview/stream"
	"github.com/voxprep/voxprep/internal/observe"
)

// defaultHangupGrace bounds how long the controller waits for the playback
// completion signal after the backend declares the interview over. Tunable;
// the trade is a possibly truncated final second of audio against guaranteed
// forward progress if the completion signal is lost.
const defaultHangupGrace = 15 * time.Second

// pendingAction tags what the next playback-completion signal triggers. Set
// immediately before an exchange starts playback, consumed exactly once by
// the completion handler.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingResume
	pendingHangup
)

// Config holds the per-session controller parameters.
type Config struct {
	// SessionID resumes an existing session when non-empty.
	SessionID string

	// JobDescription and ResumeText seed a fresh session's interviewer.
	JobDescription string
	ResumeText     string

	// AudioFormat names the utterance upload encoding when no Encoder is
	// set: "pcm". With an Encoder it is forced to "opus".
	AudioFormat string

	// HangupGrace overrides the deferred-hangup safety timer. Zero means 15s.
	HangupGrace time.Duration
}

// Controller is the turn-taking state machine for one interview session.
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg      Config
	capturer Capturer
	player   Player
	streamer Streamer
	store    SessionStore
	encoder  Encoder
	events   Events
	metrics  *observe.Metrics
	log      *slog.Logger

	history *History

	mu           sync.Mutex
	ctx          context.Context
	status       Status
	pending      pendingAction
	sessionID    string
	systemPrompt string
	maxTurns     int
	inFlight     bool
	manualHangup bool
	ended        bool
	graceTimer   *time.Timer

	// speakingStart is when the first fragment of the current reply began
	// playing; zero while nothing is being spoken.
	speakingStart time.Time
}

// ControllerOption is a functional option for configuring a Controller.
type ControllerOption func(*Controller)

// WithEncoder sets the utterance upload encoder. Without one, utterances are
// uploaded as raw PCM.
func WithEncoder(enc Encoder) ControllerOption {
	return func(c *Controller) { c.encoder = enc }
}

// WithMetrics attaches metric instruments. Without it, nothing is recorded.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController wires the collaborators together. It registers itself as the
// player's completion callback; the session does not start until
// [Controller.Start].
func NewController(cfg Config, capturer Capturer, player Player, streamer Streamer, store SessionStore, events Events, log *slog.Logger, opts ...ControllerOption) *Controller {
	if cfg.HangupGrace <= 0 {
		cfg.HangupGrace = defaultHangupGrace
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pcm"
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:      cfg,
		capturer: capturer,
		player:   player,
		streamer: streamer,
		store:    store,
		events:   events,
		log:      log,
		history:  NewHistory(),
		ctx:      context.Background(),
		status:   StatusInitializing,
	}
	for _, o := range opts {
		o(c)
	}
	player.OnComplete(c.onPlaybackComplete)
	return c
}

// Status returns the current turn-taking status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the backend session identity, empty before Start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns the conversation history container.
func (c *Controller) History() *History {
	return c.history
}

// SetMuted gates utterance forwarding without changing machine state.
func (c *Controller) SetMuted(muted bool) {
	c.capturer.SetMuted(muted)
}

// Muted reports the mute gate.
func (c *Controller) Muted() bool {
	return c.capturer.Muted()
}

// Start initializes the session against the backend. A resumed session
// (non-empty history in the init response) skips the greeting and arms
// capture immediately; a fresh session streams the greeting turn and arms
// capture when its audio finishes playing. ctx governs the whole session,
// including the exchanges started later.
func (c *Controller) Start(ctx context.Context) error {
	start := time.Now()
	init, err := c.store.InitSession(ctx, backend.InitRequest{
		SessionID:      c.cfg.SessionID,
		JobDescription: c.cfg.JobDescription,
		ResumeText:     c.cfg.ResumeText,
	})
	if err != nil {
		return fmt.Errorf("interview: init session: %w", err)
	}
	if c.metrics != nil {
		c.metrics.InitDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.ActiveSessions.Add(ctx, 1)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.sessionID = init.SessionID
	c.systemPrompt = init.SystemPrompt
	c.maxTurns = init.MaxTurns
	c.mu.Unlock()

	c.log.Info("interview: session started",
		"session_id", init.SessionID, "resumed", len(init.History) > 0, "max_turns", init.MaxTurns)

	if len(init.History) > 0 {
		// Resumed mid-interview: never re-speak the greeting.
		c.history.Replace(init.History)
		return c.armListening()
	}

	c.mu.Lock()
	c.pending = pendingResume
	c.inFlight = true
	c.mu.Unlock()
	c.history.Append(RoleAssistant, "")
	c.player.Reset()
	c.setStatus(StatusProcessing)

	greeting := stream.GreetingRequest{
		SessionID:    init.SessionID,
		SystemPrompt: init.SystemPrompt,
		Text:         init.GreetingText,
	}
	go c.runExchange("greeting", func(consumer stream.Consumer) {
		c.streamer.SendGreeting(ctx, greeting, consumer)
	})
	return nil
}

// OnUtterance accepts one captured utterance and streams it as the next
// turn. Wire this as the capture engine's OnUtterance callback. Utterances
// arriving outside StatusListening are stray late emissions and are dropped.
func (c *Controller) OnUtterance(u capture.Utterance) {
	c.mu.Lock()
	if c.status != StatusListening || c.ended || c.inFlight {
		c.mu.Unlock()
		c.log.Warn("interview: dropping stray utterance", "status", c.status)
		if c.metrics != nil {
			c.metrics.RecordUtterance(c.ctx, "stray")
		}
		return
	}
	c.mu.Unlock()

	audio := u.PCM
	format := c.cfg.AudioFormat
	if c.encoder != nil {
		enc, err := c.encoder.EncodeUtterance(u.PCM)
		if err != nil {
			c.log.Warn("interview: opus encode failed, uploading raw pcm", "err", err)
		} else {
			audio, format = enc, "opus"
		}
	}
	if c.metrics != nil {
		c.metrics.RecordUtterance(c.ctx, "sent")
	}
	c.beginTurn(stream.TurnRequest{
		Audio:       audio,
		AudioFormat: format,
		Message:     u.Transcript,
	}, string(RoleUser), u.Transcript)
}

// SendText streams one typed answer instead of a spoken one. Valid only
// while listening.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	if c.status != StatusListening || c.ended || c.inFlight {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("interview: cannot send text in status %q", status)
	}
	c.mu.Unlock()

	c.capturer.StopListening()
	c.beginTurn(stream.TurnRequest{Message: text}, string(RoleUser), text)
	return nil
}

// RepeatQuestion re-synthesizes the last assistant turn as a greeting-style
// exchange, without advancing the conversation. Valid only while listening.
func (c *Controller) RepeatQuestion() error {
	last := c.history.LastAssistant()
	if last == "" {
		return fmt.Errorf("interview: nothing to repeat")
	}

	c.mu.Lock()
	if c.status != StatusListening || c.ended || c.inFlight {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("interview: cannot repeat in status %q", status)
	}
	c.pending = pendingResume
	c.inFlight = true
	sessionID, prompt := c.sessionID, c.systemPrompt
	ctx := c.ctx
	c.mu.Unlock()

	c.capturer.StopListening()
	c.player.Reset()
	c.setStatus(StatusProcessing)

	req := stream.GreetingRequest{SessionID: sessionID, SystemPrompt: prompt, Text: last}
	go c.runExchange("repeat", func(consumer stream.Consumer) {
		c.streamer.SendGreeting(ctx, req, consumer)
	})
	return nil
}

// HangUp ends the session on the user's initiative. Capture and playback
// stop immediately; an in-flight exchange is deliberately left to finish so
// the backend persists the complete turn, then teardown runs.
func (c *Controller) HangUp() {
	c.mu.Lock()
	if c.ended || c.manualHangup {
		c.mu.Unlock()
		return
	}
	c.manualHangup = true
	c.pending = pendingNone
	c.stopGraceLocked()
	inFlight := c.inFlight
	c.mu.Unlock()

	c.log.Info("interview: manual hangup", "awaiting_stream", inFlight)
	c.capturer.StopListening()
	c.player.Reset()

	if !inFlight {
		go c.teardown()
	}
	// Otherwise runExchange notices manualHangup when the stream returns.
}

// OnCaptureFailure handles a terminal capture error. Wire this as the
// capture engine's OnError callback. Capture failures are fatal to the
// session.
func (c *Controller) OnCaptureFailure(err error) {
	c.log.Error("interview: capture failed", "err", err)
	c.emitError(fmt.Errorf("interview: capture failed: %w", err))
	c.mu.Lock()
	c.pending = pendingNone
	c.stopGraceLocked()
	inFlight := c.inFlight
	c.mu.Unlock()
	c.player.Reset()
	if !inFlight {
		go c.teardown()
	} else {
		c.mu.Lock()
		c.manualHangup = true // reuse the wait-for-stream teardown path
		c.mu.Unlock()
	}
}

// OnLevel forwards the smoothed input level. Wire this as the capture
// engine's OnLevel callback.
func (c *Controller) OnLevel(level float64) {
	if c.events.OnAudioLevel != nil {
		c.events.OnAudioLevel(level)
	}
}

// beginTurn snapshots history, appends the new turns and starts the
// exchange. The snapshot is taken before the append: the outbound history
// holds prior turns only, excluding the input being sent.
func (c *Controller) beginTurn(req stream.TurnRequest, role, content string) {
	req.History = c.history.Wire()
	c.history.Append(Role(role), content)
	c.history.Append(RoleAssistant, "")

	c.mu.Lock()
	c.pending = pendingResume
	c.inFlight = true
	req.SessionID = c.sessionID
	req.SystemPrompt = c.systemPrompt
	ctx := c.ctx
	c.mu.Unlock()

	c.player.Reset()
	c.setStatus(StatusProcessing)

	go c.runExchange("turn", func(consumer stream.Consumer) {
		c.streamer.SendTurn(ctx, req, consumer)
	})
}

// runExchange drives one blocking exchange and handles deferred teardown
// when a manual hangup arrived while the stream was in flight.
func (c *Controller) runExchange(kind string, send func(stream.Consumer)) {
	start := time.Now()
	send(c.consumer())

	c.mu.Lock()
	c.inFlight = false
	teardownNow := c.manualHangup && !c.ended
	ctx := c.ctx
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordTurn(ctx, kind, time.Since(start).Seconds())
	}
	if teardownNow {
		c.teardown()
	}
}

// consumer builds the event consumer for one exchange. Callbacks arrive
// sequentially from the exchange's read loop.
func (c *Controller) consumer() stream.Consumer {
	var full strings.Builder
	record := func(eventType string) {
		if c.metrics != nil {
			c.metrics.RecordStreamEvent(c.ctx, eventType)
		}
	}
	return stream.Consumer{
		OnText: func(token string) {
			record("text")
			full.WriteString(token)
			text := full.String()
			c.history.UpdateLastAssistant(text)
			if c.events.OnTranscriptUpdate != nil {
				c.events.OnTranscriptUpdate(text)
			}
		},
		OnAudio: func(pcm []byte) {
			record("audio")
			if err := c.player.EnqueueFragment(pcm); err != nil {
				c.log.Warn("interview: dropping late audio fragment", "err", err)
				return
			}
			if c.metrics != nil {
				c.metrics.PlaybackFragments.Add(c.ctx, 1)
			}
			c.maybeSpeaking()
		},
		OnProgress: func(current int) {
			record("progress")
			c.mu.Lock()
			max := c.maxTurns
			c.mu.Unlock()
			if c.events.OnProgress != nil {
				c.events.OnProgress(current, max)
			}
		},
		OnComplete: func() {
			record("complete")
			c.onInterviewComplete()
		},
		OnDone: func() {
			record("done")
			c.player.MarkStreamEnded()
		},
		OnError: func(err error) {
			record("error")
			c.onExchangeError(err)
		},
	}
}

// maybeSpeaking transitions processing→speaking on the first played
// fragment.
func (c *Controller) maybeSpeaking() {
	c.mu.Lock()
	if c.status != StatusProcessing {
		c.mu.Unlock()
		return
	}
	c.status = StatusSpeaking
	c.speakingStart = time.Now()
	c.mu.Unlock()
	if c.events.OnStatusChange != nil {
		c.events.OnStatusChange(StatusSpeaking)
	}
}

// onInterviewComplete latches the deferred hangup: the backend declared the
// interview over, but teardown waits for the reply audio to drain. The grace
// timer guards against a lost completion signal.
func (c *Controller) onInterviewComplete() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.pending = pendingHangup
	if c.graceTimer == nil {
		c.graceTimer = time.AfterFunc(c.cfg.HangupGrace, c.forceTeardown)
	}
	c.mu.Unlock()
	c.log.Info("interview: completion latched, awaiting playback drain", "grace", c.cfg.HangupGrace)
}

// onExchangeError handles transport and server-reported failures: surface,
// then revert to listening so the user can retry by speaking again.
func (c *Controller) onExchangeError(err error) {
	c.emitError(err)
	if c.metrics != nil {
		c.metrics.RecordExchangeError(c.ctx, "exchange")
	}

	c.mu.Lock()
	if c.ended || c.manualHangup {
		c.mu.Unlock()
		return
	}
	c.pending = pendingNone
	c.speakingStart = time.Time{}
	c.mu.Unlock()

	c.player.Reset()
	if err := c.armListening(); err != nil {
		c.log.Error("interview: cannot re-arm capture after exchange error", "err", err)
	}
}

// onPlaybackComplete consumes the pending action exactly once: resume
// listening for the next answer, or tear the session down.
func (c *Controller) onPlaybackComplete() {
	c.mu.Lock()
	action := c.pending
	c.pending = pendingNone
	if action == pendingHangup {
		c.stopGraceLocked()
	}
	var spoke time.Duration
	if !c.speakingStart.IsZero() {
		spoke = time.Since(c.speakingStart)
		c.speakingStart = time.Time{}
	}
	ctx := c.ctx
	if c.ended || c.manualHangup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.metrics != nil && spoke > 0 {
		c.metrics.PlaybackDuration.Record(ctx, spoke.Seconds())
	}

	switch action {
	case pendingResume:
		if err := c.armListening(); err != nil {
			c.emitError(err)
		}
	case pendingHangup:
		c.teardown()
	}
}

// forceTeardown is the grace-timer path: the playback completion signal
// never fired, so forward progress wins over the final second of audio.
func (c *Controller) forceTeardown() {
	c.mu.Lock()
	if c.ended || c.pending != pendingHangup {
		c.mu.Unlock()
		return
	}
	c.pending = pendingNone
	c.mu.Unlock()
	c.log.Warn("interview: playback completion overdue, forcing teardown", "grace", c.cfg.HangupGrace)
	c.teardown()
}

// armListening arms capture and enters StatusListening.
func (c *Controller) armListening() error {
	if err := c.capturer.StartListening(); err != nil {
		return fmt.Errorf("interview: arm capture: %w", err)
	}
	c.setStatus(StatusListening)
	return nil
}

// teardown runs exactly once: stop the leaf components, sync the
// authoritative history from the backend, then notify the caller.
func (c *Controller) teardown() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.stopGraceLocked()
	sessionID := c.sessionID
	ctx := c.ctx
	c.mu.Unlock()

	c.capturer.StopListening()
	c.player.Reset()

	detail, err := c.store.SessionDetail(ctx, sessionID)
	if err != nil {
		// The post-session view degrades to local history.
		c.log.Warn("interview: final history sync failed", "err", err)
		detail = backend.SessionDetail{SessionID: sessionID, Status: "completed"}
		for _, t := range c.history.Snapshot() {
			detail.History = append(detail.History, backend.TurnRecord{
				Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt,
			})
		}
	} else {
		c.history.Replace(detail.History)
	}

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
	c.log.Info("interview: session ended", "session_id", sessionID, "turns", c.history.Len())
	c.setStatus(StatusEnded)
	if c.events.OnSessionEnded != nil {
		c.events.OnSessionEnded(detail)
	}
}

// stopGraceLocked stops the safety timer. Caller holds c.mu.
func (c *Controller) stopGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	if c.events.OnStatusChange != nil {
		c.events.OnStatusChange(s)
	}
}

func (c *Controller) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}
