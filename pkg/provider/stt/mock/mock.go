// Package mock provides in-memory mock implementations of [stt.Provider] and
// [stt.SessionHandle] for use in unit tests.
//
// All mocks are safe for concurrent use. Tests drive transcript output with
// [Session.EmitPartial] and [Session.EmitFinal].
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxprep/voxprep/pkg/provider/stt"
)

// Session is a mock implementation of [stt.SessionHandle].
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	closed   bool

	// SendAudioError is returned by every SendAudio call when set.
	SendAudioError error

	// SentChunks records every chunk passed to SendAudio.
	SentChunks [][]byte
}

// NewSession creates a ready Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

// SendAudio implements [stt.SessionHandle]. Records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendAudioError != nil {
		return s.SendAudioError
	}
	s.SentChunks = append(s.SentChunks, chunk)
	return nil
}

// Partials implements [stt.SessionHandle].
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements [stt.SessionHandle].
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Close implements [stt.SessionHandle]. Closes both transcript channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	return nil
}

// EmitPartial delivers an interim transcript to the consumer.
func (s *Session) EmitPartial(text string) {
	s.partials <- stt.Transcript{Text: text}
}

// EmitFinal delivers a committed transcript to the consumer.
func (s *Session) EmitFinal(text string) {
	s.finals <- stt.Transcript{Text: text, IsFinal: true}
}

// AudioBytes returns the total number of bytes delivered via SendAudio.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SentChunks {
		n += len(c)
	}
	return n
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// StartStreamResult is returned by StartStream. When nil a fresh
	// [Session] is created per call.
	StartStreamResult *Session

	// StartStreamError is returned by StartStream when set.
	StartStreamError error

	// Sessions records every session handed out, in order.
	Sessions []*Session

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// StartStream implements [stt.Provider].
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.StartStreamError != nil {
		return nil, p.StartStreamError
	}
	s := p.StartStreamResult
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
