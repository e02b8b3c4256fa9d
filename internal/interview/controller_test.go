package interview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/capture"
	"github.com/voxprep/voxprep/internal/interview/stream"
	"github.com/voxprep/voxprep/internal/observe"
)

// --- collaborator fakes ---

type fakeCapturer struct {
	mu     sync.Mutex
	starts int
	stops  int
	muted  bool
}

func (f *fakeCapturer) StartListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeCapturer) StopListening() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapturer) SetMuted(m bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = m
}

func (f *fakeCapturer) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeCapturer) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapturer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakePlayer struct {
	mu        sync.Mutex
	complete  func()
	fragments [][]byte
	resets    int
	ends      int
}

func (f *fakePlayer) EnqueueFragment(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ends > f.resets {
		return errors.New("fragment after stream end")
	}
	f.fragments = append(f.fragments, pcm)
	return nil
}

func (f *fakePlayer) MarkStreamEnded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
}

func (f *fakePlayer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakePlayer) OnComplete(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = fn
}

func (f *fakePlayer) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

func (f *fakePlayer) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// firePlaybackComplete simulates the sequencer draining its queue.
func (f *fakePlayer) firePlaybackComplete() {
	f.mu.Lock()
	fn := f.complete
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeStreamer struct {
	mu         sync.Mutex
	turns      []stream.TurnRequest
	greetings  []stream.GreetingRequest
	cancels    int
	onTurn     func(stream.TurnRequest, stream.Consumer)
	onGreeting func(stream.GreetingRequest, stream.Consumer)
}

func (f *fakeStreamer) SendTurn(_ context.Context, req stream.TurnRequest, consumer stream.Consumer) {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	script := f.onTurn
	f.mu.Unlock()
	if script != nil {
		script(req, consumer)
	}
}

func (f *fakeStreamer) SendGreeting(_ context.Context, req stream.GreetingRequest, consumer stream.Consumer) {
	f.mu.Lock()
	f.greetings = append(f.greetings, req)
	script := f.onGreeting
	f.mu.Unlock()
	if script != nil {
		script(req, consumer)
	}
}

func (f *fakeStreamer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeStreamer) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeStreamer) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeStreamer) greetingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.greetings)
}

type fakeStore struct {
	mu          sync.Mutex
	init        backend.SessionInit
	initErr     error
	detail      backend.SessionDetail
	detailCalls int
}

func (f *fakeStore) InitSession(_ context.Context, _ backend.InitRequest) (backend.SessionInit, error) {
	return f.init, f.initErr
}

func (f *fakeStore) SessionDetail(_ context.Context, _ string) (backend.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	return f.detail, nil
}

func (f *fakeStore) detailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls
}

// --- harness ---

type harness struct {
	cap    *fakeCapturer
	player *fakePlayer
	str    *fakeStreamer
	store  *fakeStore
	ctrl   *Controller

	statuses    chan Status
	transcripts chan string
	ended       chan backend.SessionDetail
	errs        chan error
}

func newHarness(t *testing.T, cfg Config, init backend.SessionInit, opts ...ControllerOption) *harness {
	t.Helper()
	h := &harness{
		cap:         &fakeCapturer{},
		player:      &fakePlayer{},
		str:         &fakeStreamer{},
		store:       &fakeStore{init: init, detail: backend.SessionDetail{SessionID: init.SessionID, Status: "completed"}},
		statuses:    make(chan Status, 32),
		transcripts: make(chan string, 32),
		ended:       make(chan backend.SessionDetail, 1),
		errs:        make(chan error, 8),
	}
	events := Events{
		OnStatusChange:     func(s Status) { h.statuses <- s },
		OnTranscriptUpdate: func(text string) { h.transcripts <- text },
		OnSessionEnded:     func(d backend.SessionDetail) { h.ended <- d },
		OnError:            func(err error) { h.errs <- err },
	}
	h.ctrl = NewController(cfg, h.cap, h.player, h.str, h.store, events, nil, opts...)
	return h
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.statuses:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %q never reached", want)
		}
	}
}

func (h *harness) waitEnded(t *testing.T) backend.SessionDetail {
	t.Helper()
	select {
	case d := <-h.ended:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("session never ended")
		return backend.SessionDetail{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- tests ---

func TestFreshSessionSpeaksGreetingThenListens(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, backend.SessionInit{
		SessionID:    "sess-1",
		GreetingText: "Hello, let's begin.",
		MaxTurns:     8,
	})
	h.str.onGreeting = func(_ stream.GreetingRequest, consumer stream.Consumer) {
		consumer.OnText("Hello, let's begin.")
		consumer.OnAudio([]byte{1, 2})
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusProcessing)
	h.waitStatus(t, StatusSpeaking)
	waitFor(t, "greeting stream end", func() bool { return h.player.endCount() == 1 })

	if got := h.str.greetingCount(); got != 1 {
		t.Fatalf("want exactly 1 greeting exchange, got %d", got)
	}
	h.str.mu.Lock()
	greeting := h.str.greetings[0]
	h.str.mu.Unlock()
	if greeting.Text != "Hello, let's begin." {
		t.Fatalf("greeting text not forwarded: %q", greeting.Text)
	}
	if h.cap.startCount() != 0 {
		t.Fatal("capture armed before greeting playback finished")
	}

	h.player.firePlaybackComplete()
	h.waitStatus(t, StatusListening)
	if h.cap.startCount() != 1 {
		t.Fatalf("want capture armed once, got %d", h.cap.startCount())
	}
}

func TestResumedSessionSkipsGreeting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "sess-1"}, backend.SessionInit{
		SessionID:    "sess-1",
		GreetingText: "never spoken",
		History: []backend.TurnRecord{
			{Role: "assistant", Content: "Q1"},
		},
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	if got := h.str.greetingCount(); got != 0 {
		t.Fatalf("resumed session must not send a greeting, got %d", got)
	}
	if h.cap.startCount() != 1 {
		t.Fatal("capture not armed immediately on resume")
	}
	if h.ctrl.History().LastAssistant() != "Q1" {
		t.Fatalf("resumed history not loaded: %+v", h.ctrl.History().Snapshot())
	}
}

func TestTurnFlowSnapshotsHistoryBeforeAppend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnText("Tell ")
		consumer.OnText("me more.")
		consumer.OnAudio([]byte{3, 4})
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{9, 9}, SampleRate: 16000, Transcript: "my answer"})
	h.waitStatus(t, StatusProcessing)
	waitFor(t, "turn stream end", func() bool { return h.player.endCount() == 1 })

	h.str.mu.Lock()
	turn := h.str.turns[0]
	h.str.mu.Unlock()
	if len(turn.History) != 1 || turn.History[0].Content != "Q1" {
		t.Fatalf("outbound history must hold prior turns only, got %+v", turn.History)
	}
	if string(turn.Audio) != string([]byte{9, 9}) || turn.AudioFormat != "pcm" {
		t.Fatalf("utterance audio not forwarded: %+v", turn)
	}

	// Transcript accumulates into the trailing assistant turn.
	if got := h.ctrl.History().LastAssistant(); got != "Tell me more." {
		t.Fatalf("assistant turn not accumulated: %q", got)
	}

	h.player.firePlaybackComplete()
	h.waitStatus(t, StatusListening)
	if h.cap.startCount() != 2 {
		t.Fatalf("capture must be re-armed after the reply drains, got %d starts", h.cap.startCount())
	}
}

func TestCompleteDefersTeardownUntilPlaybackDrains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnAudio([]byte{1})
		consumer.OnComplete()
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{9}})
	waitFor(t, "turn stream end", func() bool { return h.player.endCount() == 1 })

	// The complete event alone must not end the session.
	select {
	case <-h.ended:
		t.Fatal("teardown ran before playback drained")
	case <-time.After(50 * time.Millisecond):
	}

	h.player.firePlaybackComplete()
	detail := h.waitEnded(t)
	if detail.Status != "completed" {
		t.Fatalf("unexpected final detail %+v", detail)
	}
	if h.store.detailCount() != 1 {
		t.Fatalf("want exactly 1 final history sync, got %d", h.store.detailCount())
	}
	if got := h.ctrl.Status(); got != StatusEnded {
		t.Fatalf("want status ended, got %q", got)
	}
}

func TestGraceTimerForcesTeardownOnStalledPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s", HangupGrace: 30 * time.Millisecond}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnAudio([]byte{1})
		consumer.OnComplete()
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{9}})

	// The playback completion callback never fires; the timer must win.
	h.waitEnded(t)
}

func TestStrayUtteranceIgnoredWhileProcessing(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		<-release
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{1}})
	h.waitStatus(t, StatusProcessing)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{2}}) // stray late emission
	close(release)

	waitFor(t, "stream end", func() bool { return h.player.endCount() == 1 })
	if got := h.str.turnCount(); got != 1 {
		t.Fatalf("stray utterance started a second exchange: %d turns", got)
	}
}

func TestExchangeErrorRevertsToListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnError(errors.New("model overloaded"))
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{1}})

	select {
	case err := <-h.errs:
		if err == nil {
			t.Fatal("nil error surfaced")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exchange error never surfaced")
	}
	h.waitStatus(t, StatusListening)
	waitFor(t, "capture re-arm", func() bool { return h.cap.startCount() == 2 })
}

func TestManualHangupWaitsForInFlightStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		<-release
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{1}})
	h.waitStatus(t, StatusProcessing)

	h.ctrl.HangUp()

	// Capture and playback stop immediately, the stream is left alone.
	waitFor(t, "capture stop", func() bool { return h.cap.stopCount() >= 1 })
	if h.str.cancelCount() != 0 {
		t.Fatal("manual hangup must not cancel the in-flight stream")
	}
	select {
	case <-h.ended:
		t.Fatal("teardown ran before the in-flight stream finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	h.waitEnded(t)
	if h.store.detailCount() != 1 {
		t.Fatalf("want 1 final history sync, got %d", h.store.detailCount())
	}
}

func TestManualHangupIdleTearsDownImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	h.ctrl.HangUp()
	h.waitEnded(t)
	h.ctrl.HangUp() // idempotent
	if got := h.ctrl.Status(); got != StatusEnded {
		t.Fatalf("want status ended, got %q", got)
	}
}

func TestRepeatQuestionResynthesizesLastAssistantTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onGreeting = func(_ stream.GreetingRequest, consumer stream.Consumer) {
		consumer.OnAudio([]byte{1})
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	if err := h.ctrl.RepeatQuestion(); err != nil {
		t.Fatalf("RepeatQuestion: %v", err)
	}
	waitFor(t, "repeat stream end", func() bool { return h.player.endCount() == 1 })

	h.str.mu.Lock()
	req := h.str.greetings[0]
	h.str.mu.Unlock()
	if req.Text != "Q1" {
		t.Fatalf("repeat must re-speak the last question, got %q", req.Text)
	}
	// The repeat does not grow the conversation.
	if h.ctrl.History().Len() != 1 {
		t.Fatalf("repeat must not append turns, history has %d", h.ctrl.History().Len())
	}

	h.player.firePlaybackComplete()
	h.waitStatus(t, StatusListening)
}

func TestSendTextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	})
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)

	if err := h.ctrl.SendText("typed answer"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text turn stream end", func() bool { return h.player.endCount() == 1 })

	h.str.mu.Lock()
	turn := h.str.turns[0]
	h.str.mu.Unlock()
	if turn.Message != "typed answer" || len(turn.Audio) != 0 {
		t.Fatalf("typed turn shape wrong: %+v", turn)
	}
}

func TestTurnRecordsStreamAndPlaybackMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{
		SessionID: "s",
		History:   []backend.TurnRecord{{Role: "assistant", Content: "Q1"}},
	}, WithMetrics(met))
	h.str.onTurn = func(_ stream.TurnRequest, consumer stream.Consumer) {
		consumer.OnText("Tell me more.")
		consumer.OnAudio([]byte{1, 2})
		consumer.OnDone()
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, StatusListening)
	h.ctrl.OnUtterance(capture.Utterance{PCM: []byte{9}, SampleRate: 16000})
	h.waitStatus(t, StatusSpeaking)
	waitFor(t, "turn stream end", func() bool { return h.player.endCount() == 1 })
	h.player.firePlaybackComplete()
	h.waitStatus(t, StatusListening)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	for _, typ := range []string{"text", "audio", "done"} {
		if got := streamEventCount(rm, typ); got != 1 {
			t.Errorf("stream event count for %q = %d, want 1", typ, got)
		}
	}
	if got := histogramCount(rm, "voxprep.playback.duration"); got != 1 {
		t.Errorf("playback duration samples = %d, want 1", got)
	}
}

// streamEventCount returns the recorded count for one stream event type.
func streamEventCount(rm metricdata.ResourceMetrics, eventType string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxprep.stream.events" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "type" && kv.Value.AsString() == eventType {
						return dp.Value
					}
				}
			}
		}
	}
	return 0
}

// histogramCount returns the total sample count of a named histogram.
func histogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				return 0
			}
			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
			return total
		}
	}
	return 0
}

func TestMuteDelegatesToCapturer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SessionID: "s"}, backend.SessionInit{SessionID: "s"})
	h.ctrl.SetMuted(true)
	if !h.ctrl.Muted() || !h.cap.Muted() {
		t.Fatal("mute not delegated to the capturer")
	}
}
