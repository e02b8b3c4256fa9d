// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Voxprep uses local transcription for two things: the live transcript shown
// while the candidate speaks, and spoken control phrase detection ("end
// interview", "repeat the question"). The backend performs its own
// authoritative transcription server-side, so a local provider is optional;
// when none is configured both features are simply absent.
//
// The central abstraction is SessionHandle: once opened, a session accepts
// raw PCM audio frames and emits two streams of Transcript values —
// low-latency partials for the live display and committed finals for command
// detection.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Capture runs at 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT engines). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// SessionHandle represents an open transcription session. It is an interface
// so that test code can provide mock implementations without a live engine.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines inside the provider implementation. All methods must
// be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes for transcription.
	// The chunk must match the SampleRate, Channels, and bit-depth agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. These drive the live transcript display and must not
	// be treated as committed text. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits committed Transcript
	// values. These feed spoken-command detection. The channel is closed when
	// the session ends.
	Finals() <-chan Transcript

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately. The caller owns the SessionHandle and must call Close
	// when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
