// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control behavior.
//
// Typical usage:
//
//	src := mock.NewSource(16)
//	src.Push(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
//	src.Finish(nil)
package mock

import (
	"sync"

	"github.com/voxprep/voxprep/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Tests feed frames with
// [Source.Push] and terminate the stream with [Source.Finish].
type Source struct {
	mu sync.Mutex

	frames chan audio.Frame
	err    error
	done   bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource creates a Source whose frame channel has the given buffer size.
func NewSource(buffer int) *Source {
	return &Source{frames: make(chan audio.Frame, buffer)}
}

// Frames implements [audio.Source].
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Err implements [audio.Source]. Returns the error passed to Finish, or nil.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.Source]. Terminates the stream cleanly.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.done {
		s.done = true
		close(s.frames)
	}
	return nil
}

// Push delivers one frame to the consumer. Panics if called after Finish or
// Close, matching a real source's contract.
func (s *Source) Push(f audio.Frame) {
	s.frames <- f
}

// Finish closes the frame channel with the given terminal error (nil for a
// clean end). Use a non-nil err to simulate a device failure.
func (s *Source) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.frames)
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. Every played chunk is
// recorded; set Gate to make Play block until the test releases it.
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by every Play call.
	PlayError error

	// CloseError is returned by Close.
	CloseError error

	// Gate, when non-nil, makes each Play call block until a value is
	// received, letting tests control when a chunk "finishes" playing.
	Gate chan struct{}

	// Played records every chunk handed to Play, in order.
	Played [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Play implements [audio.Sink]. Blocks on Gate if set, then records pcm.
func (s *Sink) Play(pcm []byte) error {
	if s.Gate != nil {
		<-s.Gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, pcm)
	return s.PlayError
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// PlayedChunks returns a copy of all chunks played so far.
func (s *Sink) PlayedChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Played))
	copy(out, s.Played)
	return out
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)
