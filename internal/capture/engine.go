// Package capture turns a live audio source into discrete spoken utterances.
//
// The [Engine] consumes microphone frames continuously and uses a [Detector]
// to find the boundaries of one answer: it arms on StartListening, buffers
// audio from the first detected speech until the closing silence window, and
// then emits the complete utterance exactly once. After emission the engine
// disarms itself; the interview controller re-arms it when the next turn
// begins.
//
// Muting gates emission without pausing detection: a muted utterance's
// audio is discarded and the engine stays armed. Its transcript, when a
// transcriber produced one, is still emitted flagged [Utterance.Muted] so
// spoken commands — "unmute myself" above all — keep working while the
// microphone is closed.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxprep/voxprep/pkg/audio"
	"github.com/voxprep/voxprep/pkg/provider/stt"
)

// prerollFrames is how many pre-speech frames are kept so the utterance
// start is not clipped by detector latency.
const prerollFrames = 8

// Utterance is one complete spoken answer.
type Utterance struct {
	// PCM is 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Duration is the play length of PCM.
	Duration time.Duration

	// Transcript holds the local live transcription of the utterance, when a
	// transcriber is configured. Empty otherwise; the backend transcribes
	// authoritatively server-side.
	Transcript string

	// Muted marks an utterance completed while the mute gate was on. Its
	// audio was discarded and only the transcript is carried, for command
	// detection; it must never be forwarded as an answer.
	Muted bool
}

// Events are the engine's caller-facing callbacks. All callbacks are invoked
// from the engine's internal goroutines; implementations must be fast or
// re-dispatch. Nil callbacks are skipped.
type Events struct {
	// OnUtterance fires once per completed utterance. A muted utterance is
	// delivered only when it carries a transcript, flagged Muted and with
	// its audio stripped.
	OnUtterance func(Utterance)

	// OnLevel fires per captured frame with the smoothed input level [0,1].
	OnLevel func(float64)

	// OnPartialTranscript fires with interim local transcription text.
	OnPartialTranscript func(string)

	// OnFinalTranscript fires with committed local transcription text.
	OnFinalTranscript func(string)

	// OnError fires when capture fails terminally. After OnError the engine
	// delivers no further events.
	OnError func(error)
}

// Config holds the engine tunables.
type Config struct {
	// SampleRate the source captures at, in Hz.
	SampleRate int

	// Detector holds the voice-activity thresholds.
	Detector DetectorConfig

	// MaxUtterance bounds a single answer; at this length the utterance is
	// force-closed as if silence had been detected. Zero means 90 s.
	MaxUtterance time.Duration

	// LevelAlpha is the smoothing factor for the level meter. Zero means 0.3.
	LevelAlpha float64
}

// Engine is the one-shot utterance capturer. All exported methods are safe
// for concurrent use.
type Engine struct {
	cfg    Config
	source audio.Source
	events Events
	log    *slog.Logger

	transcriber stt.SessionHandle // nil when no local transcription

	mu        sync.Mutex
	listening bool
	muted     bool
	failed    bool
	closed    bool

	detector *Detector
	meter    *audio.Meter
	preroll  [][]byte
	buffer   []byte
	finals   []string

	wg sync.WaitGroup
}

// New creates an Engine reading from source. transcriber may be nil. The
// frame loop starts immediately but no utterance is collected until
// [Engine.StartListening].
func New(cfg Config, source audio.Source, transcriber stt.SessionHandle, events Events, log *slog.Logger) *Engine {
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		source:      source,
		events:      events,
		log:         log,
		transcriber: transcriber,
		detector:    NewDetector(cfg.Detector),
		meter:       audio.NewMeter(cfg.LevelAlpha),
	}

	e.wg.Add(1)
	go e.run()
	if transcriber != nil {
		e.wg.Add(1)
		go e.pumpTranscripts()
	}
	return e
}

// StartListening arms the engine for the next utterance. Calling it while
// already armed is a no-op. Returns an error after a terminal capture
// failure or Close.
func (e *Engine) StartListening() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.failed {
		return errors.New("capture: engine is stopped")
	}
	if e.listening {
		return nil
	}
	e.listening = true
	e.buffer = nil
	e.preroll = nil
	e.finals = nil
	e.detector.Reset()
	return nil
}

// StopListening disarms the engine and discards any partially collected
// utterance.
func (e *Engine) StopListening() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = false
	e.buffer = nil
	e.preroll = nil
	e.finals = nil
	e.detector.Reset()
}

// SetMuted gates utterance emission. Detection keeps running while muted;
// a completed muted utterance loses its audio and the engine stays armed.
// Its transcript still flows out so a spoken unmute can reopen the gate.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

// Muted reports the current mute state.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Close stops the frame loop and releases the source and transcriber.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.source.Close()
	if e.transcriber != nil {
		if terr := e.transcriber.Close(); terr != nil && err == nil {
			err = terr
		}
	}
	e.wg.Wait()
	return err
}

// run is the frame loop: level metering, voice activity tracking, and
// utterance assembly all happen here.
func (e *Engine) run() {
	defer e.wg.Done()

	for frame := range e.source.Frames() {
		e.handleFrame(frame)
	}

	// Source terminated. A non-nil Err is a terminal capture failure that
	// the caller learns about on the same event surface as utterances.
	if err := e.source.Err(); err != nil {
		e.mu.Lock()
		e.failed = true
		e.listening = false
		e.mu.Unlock()
		e.log.Error("capture: source failed", "err", err)
		if e.events.OnError != nil {
			e.events.OnError(fmt.Errorf("capture: source failed: %w", err))
		}
	}
}

func (e *Engine) handleFrame(frame audio.Frame) {
	e.mu.Lock()
	level := e.meter.Update(frame.Data)
	onLevel := e.events.OnLevel

	if !e.listening {
		e.mu.Unlock()
		if onLevel != nil {
			onLevel(level)
		}
		return
	}

	if e.transcriber != nil {
		if err := e.transcriber.SendAudio(frame.Data); err != nil {
			e.log.Debug("capture: transcriber rejected audio", "err", err)
		}
	}

	wasIn := e.detector.InSpeech()
	in := e.detector.Observe(frame.Data)

	var finished Utterance
	emit := false
	switch {
	case !wasIn && !in:
		// Idle: remember recent frames so the utterance start is intact.
		e.preroll = append(e.preroll, frame.Data)
		if len(e.preroll) > prerollFrames {
			e.preroll = e.preroll[1:]
		}
	case !wasIn && in:
		// Speech opened: the preroll becomes the utterance head.
		for _, p := range e.preroll {
			e.buffer = append(e.buffer, p...)
		}
		e.preroll = nil
		e.buffer = append(e.buffer, frame.Data...)
	case wasIn && in:
		e.buffer = append(e.buffer, frame.Data...)
		if e.bufferedDuration() >= e.cfg.MaxUtterance {
			e.log.Warn("capture: utterance hit max duration, force closing",
				"max", e.cfg.MaxUtterance)
			finished, emit = e.finishLocked()
		}
	case wasIn && !in:
		finished, emit = e.finishLocked()
	}
	onUtterance := e.events.OnUtterance
	e.mu.Unlock()

	if onLevel != nil {
		onLevel(level)
	}
	if emit && onUtterance != nil {
		onUtterance(finished)
	}
}

// finishLocked closes the current utterance. A muted utterance keeps the
// engine armed: its audio is dropped and only its transcript is handed back,
// flagged, so command detection still sees it. Otherwise the engine disarms
// and the full utterance is handed back for emission. Callers must hold e.mu.
func (e *Engine) finishLocked() (Utterance, bool) {
	pcm := e.buffer
	e.buffer = nil
	e.preroll = nil
	e.detector.Reset()

	if e.muted {
		transcript := strings.TrimSpace(strings.Join(e.finals, " "))
		e.finals = nil
		e.log.Debug("capture: dropping muted utterance audio",
			"bytes", len(pcm), "transcript_len", len(transcript))
		if transcript == "" {
			return Utterance{}, false
		}
		return Utterance{
			SampleRate: e.cfg.SampleRate,
			Transcript: transcript,
			Muted:      true,
		}, true
	}

	e.listening = false
	transcript := strings.TrimSpace(strings.Join(e.finals, " "))
	e.finals = nil
	return Utterance{
		PCM:        pcm,
		SampleRate: e.cfg.SampleRate,
		Duration:   pcmDuration(len(pcm), e.cfg.SampleRate),
		Transcript: transcript,
	}, true
}

func (e *Engine) bufferedDuration() time.Duration {
	return pcmDuration(len(e.buffer), e.cfg.SampleRate)
}

func pcmDuration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(sampleRate)
}

// pumpTranscripts forwards local transcription output to the caller and
// accumulates finals for attachment to the emitted utterance.
func (e *Engine) pumpTranscripts() {
	defer e.wg.Done()

	partials := e.transcriber.Partials()
	finals := e.transcriber.Finals()
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if e.events.OnPartialTranscript != nil {
				e.events.OnPartialTranscript(tr.Text)
			}
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			e.mu.Lock()
			if e.listening {
				e.finals = append(e.finals, tr.Text)
			}
			e.mu.Unlock()
			if e.events.OnFinalTranscript != nil {
				e.events.OnFinalTranscript(tr.Text)
			}
		}
	}
}
