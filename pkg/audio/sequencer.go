package audio

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrStreamEnded is returned by [Sequencer.EnqueueFragment] when a fragment
// arrives after [Sequencer.MarkStreamEnded]. The end marker is a monotonic
// latch: late fragments are rejected, never played.
var ErrStreamEnded = errors.New("audio: fragment enqueued after stream end")

// defaultQueueCap is the initial capacity hint for the fragment queue.
const defaultQueueCap = 32

// Sequencer plays one utterance's PCM fragments back-to-back as they arrive
// over time and reports completion exactly once.
//
// Fragments and the end-of-stream marker arrive asynchronously and may race:
// the server can finish sending before playback catches up, or playback can
// drain the queue while more fragments are still in flight. The Sequencer
// therefore keeps an explicit "no more fragments will arrive" latch, set by
// [Sequencer.MarkStreamEnded], and fires its completion callback only when
// the latch is set AND the last enqueued fragment has finished playing. If
// the latch is set on an empty, fully played queue the callback fires
// immediately from the calling goroutine.
//
// Call [Sequencer.Reset] before starting a new utterance; it discards any
// queued-but-unplayed audio and re-arms the latch so no stale fragment from
// an aborted utterance leaks into the next one.
//
// All exported methods are safe for concurrent use.
type Sequencer struct {
	sink Sink

	mu         sync.Mutex
	queue      [][]byte
	ended      bool   // no more fragments will arrive for this utterance
	fired      bool   // completion already reported for this utterance
	playing    bool   // a fragment is currently in the sink
	gen        uint64 // bumped by Reset to invalidate in-flight playback
	onComplete func()

	notify chan struct{} // signalled when a fragment is enqueued or the latch is set
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// NewSequencer creates a [Sequencer] that plays fragments through sink.
// The dispatch goroutine starts immediately; call [Sequencer.Close] to stop
// it and release the sink.
func NewSequencer(sink Sink) *Sequencer {
	s := &Sequencer{
		sink:   sink,
		queue:  make([][]byte, 0, defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// OnComplete registers fn as the callback invoked when the current utterance
// has fully drained. Only one callback may be registered at a time;
// subsequent calls replace the previous registration. fn is invoked without
// the Sequencer's lock held and must not call back into the Sequencer's
// mutating methods from a re-entrant completion of the same utterance.
func (s *Sequencer) OnComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// EnqueueFragment appends one PCM fragment to the play queue. If nothing is
// currently playing, playback begins with this fragment; otherwise it is
// scheduled directly after the current one with no audible gap.
//
// Fragments arriving after [Sequencer.MarkStreamEnded] are a protocol
// violation: they are dropped and ErrStreamEnded is returned.
func (s *Sequencer) EnqueueFragment(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("audio: sequencer is closed")
	}
	if s.ended {
		s.mu.Unlock()
		slog.Warn("audio: dropping fragment enqueued after stream end", "bytes", len(pcm))
		return ErrStreamEnded
	}
	s.queue = append(s.queue, pcm)
	s.mu.Unlock()

	s.wake()
	return nil
}

// MarkStreamEnded declares that no more fragments will arrive for the
// current utterance. It must be called once per utterance when the turn
// stream reports completion. Calling it again before the next
// [Sequencer.Reset] is a no-op — the completion callback still fires
// exactly once.
//
// If the queue is already empty and nothing is playing, the completion
// callback fires synchronously from this call.
func (s *Sequencer) MarkStreamEnded() {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true

	// Empty queue, idle sink: complete right here rather than waking the
	// dispatch goroutine.
	var fire func()
	if len(s.queue) == 0 && !s.playing && !s.fired {
		s.fired = true
		fire = s.onComplete
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
		return
	}
	s.wake()
}

// Reset prepares the Sequencer for a new utterance: any queued-but-unplayed
// fragments are discarded and the end latch and completion state are
// cleared. A fragment already handed to the sink finishes playing; its
// completion is discarded.
//
// Reset is also the immediate-stop path for a manual hangup — after Reset,
// no completion callback fires for the abandoned utterance.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = s.queue[:0]
	s.ended = false
	s.fired = false
	s.gen++
}

// Close stops the dispatch goroutine, discards queued fragments, and closes
// the sink. Close is idempotent; subsequent calls return nil.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	return s.sink.Close()
}

// wake nudges the dispatch goroutine without blocking.
func (s *Sequencer) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch is the background goroutine that drains the fragment queue
// through the sink and reports utterance completion.
func (s *Sequencer) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				// Queue drained. If the latch is set and completion has not
				// been reported for this utterance, report it now.
				var fire func()
				if s.ended && !s.fired {
					s.fired = true
					fire = s.onComplete
				}
				s.mu.Unlock()
				if fire != nil {
					fire()
				}
				break
			}
			pcm := s.queue[0]
			s.queue = s.queue[1:]
			s.playing = true
			gen := s.gen
			s.mu.Unlock()

			if err := s.sink.Play(pcm); err != nil {
				// A playback fault must not wedge the conversation loop;
				// completion still fires once the queue drains.
				slog.Warn("audio: sink playback failed", "err", err)
			}

			s.mu.Lock()
			s.playing = false
			stale := gen != s.gen
			s.mu.Unlock()
			if stale {
				// Reset happened mid-fragment; the new utterance's fragments
				// (if any) are picked up on the next loop iteration.
				continue
			}
		}
	}
}
