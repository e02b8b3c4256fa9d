// Package interview orchestrates one voice interview session: it coordinates
// utterance capture, the per-turn streaming exchange, and reply playback into
// a single turn-taking protocol, and it owns the session lifecycle from init
// to teardown.
//
// The [Controller] is the only writer of conversation history and the only
// component that transitions session status. Capture, playback and streaming
// are collaborators behind narrow interfaces so the protocol can be tested
// with fakes.
package interview

import (
	"context"
	"time"

	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/interview/stream"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange unit in the conversation history. Turns are immutable
// once appended, except for the in-progress assistant turn whose Content
// grows as streaming tokens arrive.
type Turn struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Status is the controller's turn-taking state. Exactly one status holds at
// any instant.
type Status string

const (
	// StatusInitializing covers session init up to the first listening or
	// greeting exchange.
	StatusInitializing Status = "initializing"

	// StatusListening means capture is armed and waiting for the user.
	StatusListening Status = "listening"

	// StatusProcessing means a turn exchange is in flight and no reply audio
	// has started playing yet.
	StatusProcessing Status = "processing"

	// StatusSpeaking means reply audio is playing (the exchange may still be
	// streaming further fragments).
	StatusSpeaking Status = "speaking"

	// StatusEnded is terminal.
	StatusEnded Status = "ended"
)

// Events is the caller-facing callback surface. Callbacks are invoked from
// the controller's internal goroutines; implementations must be fast or
// re-dispatch. Nil callbacks are skipped.
type Events struct {
	// OnStatusChange fires on every status transition.
	OnStatusChange func(Status)

	// OnTranscriptUpdate fires with the full accumulated text of the
	// in-progress assistant turn after each token.
	OnTranscriptUpdate func(fullText string)

	// OnAudioLevel fires with the smoothed microphone input level [0,1].
	OnAudioLevel func(float64)

	// OnProgress fires with the backend's turn counter and the session's
	// turn budget.
	OnProgress func(current, max int)

	// OnSessionEnded fires exactly once, after the final history sync.
	OnSessionEnded func(backend.SessionDetail)

	// OnError fires for capture failures, transport failures and
	// server-reported exchange errors. Only capture failures are fatal.
	OnError func(error)
}

// Capturer is the utterance capture collaborator. Implemented by
// capture.Engine.
type Capturer interface {
	// StartListening arms capture for the next utterance. Idempotent.
	StartListening() error

	// StopListening disarms capture and discards any in-progress buffer.
	StopListening()

	// SetMuted gates utterance emission without pausing detection.
	SetMuted(muted bool)

	// Muted reports the current mute gate.
	Muted() bool
}

// Player is the reply playback collaborator. Implemented by audio.Sequencer.
type Player interface {
	// EnqueueFragment schedules one PCM fragment for gapless playback.
	EnqueueFragment(pcm []byte) error

	// MarkStreamEnded declares that no more fragments will arrive for the
	// current utterance.
	MarkStreamEnded()

	// Reset clears residual queued audio and re-arms for a new utterance.
	Reset()

	// OnComplete registers the exactly-once playback completion callback.
	OnComplete(fn func())
}

// Streamer executes turn exchanges. Implemented by stream.Client.
type Streamer interface {
	SendTurn(ctx context.Context, req stream.TurnRequest, consumer stream.Consumer)
	SendGreeting(ctx context.Context, req stream.GreetingRequest, consumer stream.Consumer)
	Cancel()
}

// SessionStore is the backend session surface. Implemented by backend.Client.
type SessionStore interface {
	InitSession(ctx context.Context, req backend.InitRequest) (backend.SessionInit, error)
	SessionDetail(ctx context.Context, sessionID string) (backend.SessionDetail, error)
}

// Encoder compresses a captured utterance for upload. Implemented by
// audio.OpusEncoder; nil means raw PCM upload.
type Encoder interface {
	EncodeUtterance(pcm []byte) ([]byte, error)
}
