package interview

import (
	"sync"
	"time"

	"github.com/voxprep/voxprep/internal/backend"
	"github.com/voxprep/voxprep/internal/interview/stream"
)

// History is the conversation-turn container for one session. The controller
// is the only writer; readers get copies. Local history is not authoritative,
// the backend session detail replaces it on the final sync.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

// NewHistory returns an empty container.
func NewHistory() *History {
	return &History{}
}

// Append adds one turn with the current timestamp.
func (h *History) Append(role Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Role: role, Content: content, CreatedAt: time.Now()})
}

// UpdateLastAssistant overwrites the content of the trailing assistant turn
// with the full accumulated text. No-op if the last turn is not an assistant
// turn.
func (h *History) UpdateLastAssistant(fullText string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.turns); n > 0 && h.turns[n-1].Role == RoleAssistant {
		h.turns[n-1].Content = fullText
	}
}

// LastAssistant returns the content of the most recent assistant turn, or ""
// when there is none.
func (h *History) LastAssistant() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == RoleAssistant {
			return h.turns[i].Content
		}
	}
	return ""
}

// Snapshot returns a copy of all turns.
func (h *History) Snapshot() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Wire returns the turns in the outbound request shape.
func (h *History) Wire() []stream.HistoryTurn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]stream.HistoryTurn, len(h.turns))
	for i, t := range h.turns {
		out[i] = stream.HistoryTurn{Role: string(t.Role), Content: t.Content}
	}
	return out
}

// Replace swaps the local history for the backend's authoritative records.
func (h *History) Replace(records []backend.TurnRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = make([]Turn, len(records))
	for i, r := range records {
		h.turns[i] = Turn{Role: Role(r.Role), Content: r.Content, CreatedAt: r.CreatedAt}
	}
}

// Len reports the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
