// Package app wires all Voxprep subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes one interview session until it ends or the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithSessionStore, etc.). When an option is not provided,
// New creates real implementations from the config and registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/capture"
	"github.com/voxprep/voxprep/internal/config"
	"github.com/voxprep/voxprep/internal/health"
	"github.com/voxprep/voxprep/internal/interview"
	"github.com/voxprep/voxprep/internal/interview/stream"
	"github.com/voxprep/voxprep/internal/observe"
	"github.com/voxprep/voxprep/internal/voicecmd"
	"github.com/voxprep/voxprep/pkg/audio"
	"github.com/voxprep/voxprep/pkg/audio/wsbridge"
	"github.com/voxprep/voxprep/pkg/provider/stt"
)

// hangupDrainTimeout bounds how long Run waits for the session to finish
// its deferred teardown after the run context is cancelled. The in-flight
// exchange is allowed to complete so the backend persists the full turn,
// but a wedged stream must not block process exit forever.
const hangupDrainTimeout = 30 * time.Second

// shutdownTimeout is the per-server drain budget for the debug and bridge
// HTTP listeners.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates one voice interview
// session per Run.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	source      audio.Source
	sink        audio.Sink
	bridge      *wsbridge.Bridge
	transcriber stt.Provider
	session     stt.SessionHandle
	sequencer   *audio.Sequencer
	engine      *capture.Engine
	store       interview.SessionStore
	streamer    interview.Streamer
	filter      *voicecmd.Filter
	controller  *interview.Controller

	// sessionDone is closed exactly once when the interview session ends.
	sessionDone chan struct{}
	doneOnce    sync.Once

	// closers are run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a capture source instead of creating one from the
// registry.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSink injects a playback sink instead of creating one from the
// registry.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithSessionStore injects a backend session store instead of creating an
// HTTP client from the config.
func WithSessionStore(s interview.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithStreamer injects a turn streamer instead of creating an SSE client
// from the config.
func WithStreamer(s interview.Streamer) Option {
	return func(a *App) { a.streamer = s }
}

// WithTranscriber injects a live transcriber provider instead of creating
// one from the registry.
func WithTranscriber(p stt.Provider) Option {
	return func(a *App) { a.transcriber = p }
}

// WithBridge hands the App the websocket bridge so it can serve the page
// connection and wire the typed-answer fallback. The bridge must also be
// registered as the source and/or sink factory for the bridge audio mode.
func WithBridge(b *wsbridge.Bridge) Option {
	return func(a *App) { a.bridge = b }
}

// WithMetrics attaches metric instruments instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. events is the
// caller-facing callback surface (UI updates); nil callbacks are skipped.
//
// New performs all initialisation synchronously: audio attachment, the
// optional transcriber session, the playback sequencer, the capture engine
// and the interview controller. The session itself does not start until
// [App.Run].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, events interview.Events, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:         cfg,
		log:         log,
		sessionDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}
	if err := a.initAudio(reg); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initTranscriber(ctx, reg); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init transcriber: %w", err)
	}
	if err := a.initInterview(events); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init interview: %w", err)
	}

	return a, nil
}

// Controller exposes the interview controller for UI-side calls (mute,
// text entry, manual hangup).
func (a *App) Controller() *interview.Controller {
	return a.controller
}

// initBackend builds the session store and the turn streamer from the
// backend config, unless test doubles were injected.
func (a *App) initBackend() error {
	apiKey := ""
	if env := a.cfg.Backend.APIKeyEnv; env != "" {
		apiKey = os.Getenv(env)
		if apiKey == "" {
			a.log.Warn("app: api key env var is empty", "env", env)
		}
	}

	if a.store == nil {
		a.store = backend.New(a.cfg.Backend.BaseURL, a.log, backend.WithAPIKey(apiKey))
	}

	if a.streamer == nil {
		var streamOpts []stream.Option
		if apiKey != "" {
			streamOpts = append(streamOpts, stream.WithAPIKey(apiKey))
		}
		if len(a.cfg.Backend.APIConfig) > 0 {
			raw, err := json.Marshal(a.cfg.Backend.APIConfig)
			if err != nil {
				return fmt.Errorf("marshal api_config: %w", err)
			}
			streamOpts = append(streamOpts, stream.WithAPIConfig(raw))
		}
		a.streamer = stream.New(a.cfg.Backend.BaseURL, a.log, streamOpts...)
	}
	return nil
}

// initAudio creates the capture source, playback sink and the sequencer.
func (a *App) initAudio(reg *config.Registry) error {
	if a.source == nil {
		src, err := reg.CreateSource(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("create source: %w", err)
		}
		a.source = src
	}

	if a.sink == nil {
		sink, err := reg.CreateSink(a.cfg.Audio)
		if err != nil {
			_ = a.source.Close()
			return fmt.Errorf("create sink: %w", err)
		}
		a.sink = sink
	}

	// The sequencer owns the sink from here on.
	a.sequencer = audio.NewSequencer(a.sink)
	a.closers = append(a.closers, a.sequencer.Close)
	return nil
}

// initTranscriber starts the optional local transcription session.
func (a *App) initTranscriber(ctx context.Context, reg *config.Registry) error {
	if a.transcriber == nil {
		p, err := reg.CreateTranscriber(a.cfg.Transcriber)
		if err != nil {
			return err
		}
		a.transcriber = p
	}
	if a.transcriber == nil {
		return nil
	}

	sess, err := a.transcriber.StartStream(ctx, stt.StreamConfig{
		SampleRate: a.cfg.Audio.CaptureRate,
		Channels:   1,
		Language:   a.cfg.Transcriber.Language,
	})
	if err != nil {
		return fmt.Errorf("start transcription session: %w", err)
	}
	a.session = sess

	if closer, ok := a.transcriber.(io.Closer); ok {
		a.closers = append(a.closers, closer.Close)
	}
	return nil
}

// initInterview builds the capture engine and the interview controller and
// connects the two, including the optional spoken-command filter.
func (a *App) initInterview(events interview.Events) error {
	if a.cfg.Interview.VoiceCommandsEnabled() && a.session != nil {
		a.filter = voicecmd.New()
	}

	ctrlCfg := interview.Config{
		SessionID:   a.cfg.Interview.SessionID,
		AudioFormat: string(a.cfg.Interview.AudioFormat),
		HangupGrace: a.cfg.Interview.HangupGrace,
	}
	if ctrlCfg.SessionID == "" {
		jd, err := readSeedFile(a.cfg.Interview.JobDescriptionFile)
		if err != nil {
			return fmt.Errorf("read job description: %w", err)
		}
		cv, err := readSeedFile(a.cfg.Interview.ResumeFile)
		if err != nil {
			return fmt.Errorf("read resume: %w", err)
		}
		ctrlCfg.JobDescription = jd
		ctrlCfg.ResumeText = cv
	}

	var ctrlOpts []interview.ControllerOption
	ctrlOpts = append(ctrlOpts, interview.WithMetrics(a.metrics))
	if a.cfg.Interview.AudioFormat == config.FormatOpus {
		enc, err := audio.NewOpusEncoder(a.cfg.Audio.CaptureRate, 1)
		if err != nil {
			return fmt.Errorf("create opus encoder: %w", err)
		}
		ctrlOpts = append(ctrlOpts, interview.WithEncoder(enc))
	}

	// The controller's OnSessionEnded doubles as Run's exit signal.
	userEnded := events.OnSessionEnded
	events.OnSessionEnded = func(detail backend.SessionDetail) {
		if userEnded != nil {
			userEnded(detail)
		}
		a.doneOnce.Do(func() { close(a.sessionDone) })
	}

	// Engine and controller reference each other. The controller is built
	// first against a forwarding capturer (it only touches the engine from
	// Start onwards), so the engine's callbacks — live from the first
	// captured frame — always see a non-nil controller.
	a.controller = interview.NewController(ctrlCfg, engineRef{a}, a.sequencer, a.streamer, a.store, events, a.log, ctrlOpts...)

	a.engine = capture.New(capture.Config{
		SampleRate: a.cfg.Audio.CaptureRate,
		Detector: capture.DetectorConfig{
			SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
			SilenceThreshold: a.cfg.VAD.SilenceThreshold,
			SpeechFrames:     a.cfg.VAD.SpeechFrames,
			SilenceFrames:    a.cfg.VAD.SilenceFrames,
		},
		MaxUtterance: a.cfg.VAD.MaxUtterance,
	}, a.source, a.session, capture.Events{
		OnUtterance: a.handleUtterance,
		OnLevel:     func(level float64) { a.controller.OnLevel(level) },
		OnError:     func(err error) { a.controller.OnCaptureFailure(err) },
	}, a.log)
	a.closers = append(a.closers, a.engine.Close)

	if a.bridge != nil {
		a.bridge.OnText = func(text string) {
			if err := a.controller.SendText(text); err != nil {
				a.log.Warn("app: rejected typed answer from bridge", "err", err)
			}
		}
	}
	return nil
}

// handleUtterance routes one captured utterance: spoken control phrases are
// consumed by the filter, muted utterances go no further than the filter,
// and everything else becomes the next interview turn.
func (a *App) handleUtterance(u capture.Utterance) {
	if a.filter != nil && u.Transcript != "" {
		matched, err := a.filter.Check(u.Transcript, a.controller)
		if err != nil {
			a.log.Warn("app: voice command failed", "err", err)
		}
		if matched {
			// The utterance was an instruction, not an answer. Commands that
			// keep the session in listening (mute, unmute, a failed repeat)
			// must re-arm capture, since emission disarmed the engine.
			if a.controller.Status() == interview.StatusListening {
				if lerr := a.engine.StartListening(); lerr != nil {
					a.log.Error("app: cannot re-arm capture after voice command", "err", lerr)
				}
			}
			return
		}
	}
	if u.Muted {
		// The engine kept only the transcript so the filter above could see
		// it; a muted non-command utterance never becomes a turn.
		a.metrics.RecordUtterance(context.Background(), "muted")
		a.log.Debug("app: discarding muted utterance", "transcript_len", len(u.Transcript))
		return
	}
	a.controller.OnUtterance(u)
}

// Run starts the interview session and blocks until it ends, the context is
// cancelled, or a listener fails. Cancellation is translated into a manual
// hangup: the in-flight exchange is allowed to finish so the backend
// persists the complete turn, bounded by hangupDrainTimeout.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.DebugAddr != "" {
		a.serveHTTP(ctx, g, &http.Server{
			Addr:    a.cfg.Server.DebugAddr,
			Handler: a.debugMux(),
		}, "debug")
	}

	if a.bridge != nil && a.cfg.Audio.BridgeAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", a.bridge.Handler())
		a.serveHTTP(ctx, g, &http.Server{
			Addr:    a.cfg.Audio.BridgeAddr,
			Handler: mux,
		}, "bridge")
	}

	g.Go(func() error {
		// The session context survives run cancellation so the hangup path
		// can finish its stream and the final history sync.
		if err := a.controller.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		select {
		case <-a.sessionDone:
		case <-ctx.Done():
			a.controller.HangUp()
			select {
			case <-a.sessionDone:
			case <-time.After(hangupDrainTimeout):
				a.log.Warn("app: session teardown overdue, exiting anyway")
			}
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHTTP runs srv under the errgroup and shuts it down when ctx ends.
func (a *App) serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, name string) {
	g.Go(func() error {
		a.log.Info("app: listener started", "name", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: %s listener: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// debugMux assembles the health and metrics endpoints behind the tracing
// middleware.
func (a *App) debugMux() http.Handler {
	mux := http.NewServeMux()
	health.New(health.Backend(a.cfg.Backend.BaseURL, nil)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))

		// Make sure the session is over before releasing its components.
		a.controller.HangUp()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}

		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll is the failure path during New: release whatever was already
// initialised, ignoring errors.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
	// Before the engine exists nothing else owns the source.
	if a.source != nil {
		_ = a.source.Close()
	}
}

// engineRef adapts the App's capture engine to [interview.Capturer]. The
// controller is constructed before the engine; it never calls these methods
// until [interview.Controller.Start], by which time the engine exists.
type engineRef struct{ a *App }

func (r engineRef) StartListening() error { return r.a.engine.StartListening() }
func (r engineRef) StopListening()        { r.a.engine.StopListening() }
func (r engineRef) SetMuted(muted bool)   { r.a.engine.SetMuted(muted) }
func (r engineRef) Muted() bool           { return r.a.engine.Muted() }

var _ interview.Capturer = engineRef{}

// readSeedFile loads an optional session seed document.
func readSeedFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
