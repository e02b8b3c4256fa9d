package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/voxprep/voxprep/pkg/audio"
	audiomock "github.com/voxprep/voxprep/pkg/audio/mock"
	sttmock "github.com/voxprep/voxprep/pkg/provider/stt/mock"
)

func testEngine(t *testing.T) (*Engine, *audiomock.Source, chan Utterance, chan error) {
	t.Helper()

	src := audiomock.NewSource(64)
	utterances := make(chan Utterance, 4)
	errs := make(chan error, 4)

	e := New(Config{
		SampleRate: 16000,
		Detector: DetectorConfig{
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     2,
			SilenceFrames:    3,
		},
	}, src, nil, Events{
		OnUtterance: func(u Utterance) { utterances <- u },
		OnError:     func(err error) { errs <- err },
	}, nil)
	t.Cleanup(func() { e.Close() })

	return e, src, utterances, errs
}

func pushFrames(src *audiomock.Source, amplitude int16, n int) {
	for i := 0; i < n; i++ {
		src.Push(audio.Frame{Data: frame(amplitude, 320), SampleRate: 16000, Channels: 1})
	}
}

func speakUtterance(src *audiomock.Source) {
	pushFrames(src, 5000, 5) // opens the detector
	pushFrames(src, 0, 4)    // closes it
}

func waitUtterance(t *testing.T, ch chan Utterance) Utterance {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for utterance")
		return Utterance{}
	}
}

func assertNoUtterance(t *testing.T, ch chan Utterance) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected utterance emitted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineEmitsOneUtteranceThenDisarms(t *testing.T) {
	t.Parallel()

	e, src, utterances, _ := testEngine(t)
	if err := e.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	speakUtterance(src)
	u := waitUtterance(t, utterances)
	if len(u.PCM) == 0 {
		t.Fatal("utterance has no audio")
	}
	if u.SampleRate != 16000 {
		t.Fatalf("want sample rate 16000, got %d", u.SampleRate)
	}
	if u.Duration <= 0 {
		t.Fatal("utterance has no duration")
	}

	// Disarmed: more speech must not emit until StartListening is called again.
	speakUtterance(src)
	assertNoUtterance(t, utterances)

	if err := e.StartListening(); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	speakUtterance(src)
	waitUtterance(t, utterances)
}

func TestEngineStartListeningIsIdempotent(t *testing.T) {
	t.Parallel()

	e, src, utterances, _ := testEngine(t)
	if err := e.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := e.StartListening(); err != nil {
		t.Fatalf("second StartListening: %v", err)
	}

	speakUtterance(src)
	waitUtterance(t, utterances)
	assertNoUtterance(t, utterances)
}

func TestEngineStopListeningDiscardsBuffer(t *testing.T) {
	t.Parallel()

	e, src, utterances, _ := testEngine(t)
	e.StartListening()

	// Speech in progress when the caller stops listening.
	pushFrames(src, 5000, 5)
	waitProcessed(t, e, src)
	e.StopListening()
	pushFrames(src, 0, 4)

	assertNoUtterance(t, utterances)
}

func TestEngineMutedUtteranceIsDiscardedAndStaysArmed(t *testing.T) {
	t.Parallel()

	e, src, utterances, _ := testEngine(t)
	e.StartListening()
	e.SetMuted(true)

	speakUtterance(src)
	assertNoUtterance(t, utterances)

	// Still armed: unmuting and speaking again emits without a re-arm.
	e.SetMuted(false)
	speakUtterance(src)
	waitUtterance(t, utterances)
}

func TestEngineMutedUtteranceCarriesTranscriptOnly(t *testing.T) {
	t.Parallel()

	src := audiomock.NewSource(64)
	sess := sttmock.NewSession()
	utterances := make(chan Utterance, 4)
	e := New(Config{
		SampleRate: 16000,
		Detector: DetectorConfig{
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     2,
			SilenceFrames:    3,
		},
	}, src, sess, Events{
		OnUtterance: func(u Utterance) { utterances <- u },
	}, nil)
	t.Cleanup(func() { e.Close() })

	e.StartListening()
	e.SetMuted(true)

	pushFrames(src, 5000, 5)
	waitProcessed(t, e, src)
	sess.EmitFinal("unmute myself")
	waitFinals(t, e, 1)
	pushFrames(src, 0, 4)

	u := waitUtterance(t, utterances)
	if !u.Muted {
		t.Fatal("muted utterance not flagged")
	}
	if len(u.PCM) != 0 {
		t.Fatalf("muted utterance must not carry audio, got %d bytes", len(u.PCM))
	}
	if u.Transcript != "unmute myself" {
		t.Fatalf("transcript = %q, want %q", u.Transcript, "unmute myself")
	}

	// Still armed: unmuting and speaking again emits a full utterance
	// without a re-arm.
	e.SetMuted(false)
	speakUtterance(src)
	full := waitUtterance(t, utterances)
	if full.Muted {
		t.Fatal("unmuted utterance flagged muted")
	}
	if len(full.PCM) == 0 {
		t.Fatal("unmuted utterance has no audio")
	}
}

func TestEngineReportsTerminalSourceFailure(t *testing.T) {
	t.Parallel()

	e, src, _, errs := testEngine(t)
	e.StartListening()

	src.Finish(errors.New("device unplugged"))

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("want non-nil terminal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}

	if err := e.StartListening(); err == nil {
		t.Fatal("StartListening after terminal failure must error")
	}
}

func TestEngineLevelCallback(t *testing.T) {
	t.Parallel()

	src := audiomock.NewSource(64)
	levels := make(chan float64, 64)
	e := New(Config{SampleRate: 16000}, src, nil, Events{
		OnLevel: func(l float64) { levels <- l },
	}, nil)
	defer e.Close()

	// Levels flow even when not listening.
	pushFrames(src, 5000, 1)
	select {
	case l := <-levels:
		if l <= 0 {
			t.Fatalf("want positive level for loud frame, got %v", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for level callback")
	}
}

// waitFinals blocks until the engine has accumulated n final transcripts.
func waitFinals(t *testing.T, e *Engine, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		got := len(e.finals)
		e.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("final transcript never reached the engine")
}

// waitProcessed blocks until the engine has drained everything pushed so far,
// by observing that the source buffer is empty and the detector opened.
func waitProcessed(t *testing.T, e *Engine, src *audiomock.Source) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		open := e.detector.InSpeech()
		e.mu.Unlock()
		if open && len(src.Frames()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("engine did not process pushed frames in time")
}
