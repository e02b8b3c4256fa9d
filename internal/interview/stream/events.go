// Package stream executes one interview turn as a single HTTP exchange with
// an incrementally read, event-delimited response body, and demultiplexes
// the events to their consumers.
package stream

import "encoding/json"

// Event types emitted by the backend within one turn exchange.
const (
	// EventText carries one incremental transcript token in Content.
	EventText = "text"

	// EventAudio carries one base64-encoded PCM fragment in Content.
	EventAudio = "audio"

	// EventProgress carries the current turn count in Current.
	EventProgress = "progress"

	// EventComplete declares the interview over. It never ends the session
	// by itself; the orchestrator defers the hangup until playback drains.
	EventComplete = "complete"

	// EventDone marks the end of this exchange's fragment stream.
	EventDone = "done"

	// EventError carries a non-fatal exchange failure message in Content.
	EventError = "error"
)

// wireEvent is the JSON shape of one event, one object per data: line.
type wireEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Current int    `json:"current,omitempty"`
}

// HistoryTurn is one prior conversation turn in the outbound request body.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// turnPayload is the outbound turn-start request body.
type turnPayload struct {
	SessionID    string          `json:"session_id"`
	APIConfig    json.RawMessage `json:"api_config,omitempty"`
	SystemPrompt string          `json:"system_prompt"`
	History      []HistoryTurn   `json:"history"`
	Audio        string          `json:"audio,omitempty"`
	AudioFormat  string          `json:"audio_format,omitempty"`
	Message      string          `json:"message,omitempty"`
	IsGreeting   bool            `json:"is_greeting"`
}

// Consumer receives the demultiplexed events of one exchange. Callbacks are
// invoked sequentially from the exchange's read loop, in server emission
// order. Nil callbacks are skipped.
type Consumer struct {
	// OnText receives one incremental assistant transcript token.
	OnText func(token string)

	// OnAudio receives one decoded PCM fragment.
	OnAudio func(pcm []byte)

	// OnProgress receives the backend's current turn count.
	OnProgress func(current int)

	// OnComplete signals that the backend declared the interview over.
	OnComplete func()

	// OnDone signals that no more fragments will arrive for this exchange.
	OnDone func()

	// OnError receives exchange failures, both server-reported error events
	// and the single synthetic event for transport failures.
	OnError func(err error)
}
