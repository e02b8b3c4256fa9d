// Package voicecmd implements spoken control-phrase detection on utterance
// transcripts. It checks the local live transcript of each utterance against
// a set of command patterns ("end interview", "repeat the question", mute
// toggles) and executes the corresponding controller action when one
// matches, so the utterance never reaches the backend as an answer.
//
// Speech-to-text output is noisy, so matching is two-stage: an exact regex
// pass first, then a phonetic pass (Double Metaphone token equality plus
// Jaro-Winkler similarity) that catches mishearings like "and interview"
// for "end interview".
package voicecmd

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// Command identifies one recognized control phrase.
type Command int

const (
	CommandNone Command = iota
	CommandEndInterview
	CommandRepeatQuestion
	CommandMute
	CommandUnmute
)

// String returns the command's log label.
func (c Command) String() string {
	switch c {
	case CommandEndInterview:
		return "end-interview"
	case CommandRepeatQuestion:
		return "repeat-question"
	case CommandMute:
		return "mute"
	case CommandUnmute:
		return "unmute"
	default:
		return "none"
	}
}

// Actions is the controller surface a matched command executes against.
// Implemented by interview.Controller.
type Actions interface {
	HangUp()
	RepeatQuestion() error
	SetMuted(muted bool)
	Muted() bool
}

// Pattern pairs a command with its exact and phonetic forms.
type Pattern struct {
	// Name is a human-readable label for logging.
	Name string

	// Command is executed when the pattern matches.
	Command Command

	// Regex is the exact form, matched against the trimmed transcript.
	Regex *regexp.Regexp

	// Phrases are canonical spoken forms for the phonetic pass.
	Phrases []string
}

// defaultMinSimilarity is the Jaro-Winkler floor for the phonetic pass.
const defaultMinSimilarity = 0.92

// Filter checks utterance transcripts against the command patterns.
// Stateless; safe for concurrent use.
type Filter struct {
	patterns      []Pattern
	minSimilarity float64
}

// New creates a Filter with the built-in command set.
func New() *Filter {
	return &Filter{
		patterns:      defaultPatterns(),
		minSimilarity: defaultMinSimilarity,
	}
}

// Match reports which command, if any, the transcript is.
func (f *Filter) Match(text string) Command {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CommandNone
	}

	for _, p := range f.patterns {
		if p.Regex.MatchString(trimmed) {
			return p.Command
		}
	}

	norm := normalize(trimmed)
	if norm == "" {
		return CommandNone
	}
	for _, p := range f.patterns {
		for _, phrase := range p.Phrases {
			if matchr.JaroWinkler(norm, phrase, false) >= f.minSimilarity {
				return p.Command
			}
			if metaphoneEqual(norm, phrase) {
				return p.Command
			}
		}
	}
	return CommandNone
}

// Check tests the transcript and executes the matching command on actions.
// Returns (true, nil) when a command matched and ran, (false, nil) when the
// transcript is an ordinary answer, and (true, err) when the command itself
// failed.
func (f *Filter) Check(text string, actions Actions) (bool, error) {
	cmd := f.Match(text)
	if cmd == CommandNone {
		return false, nil
	}

	var err error
	switch cmd {
	case CommandEndInterview:
		actions.HangUp()
	case CommandRepeatQuestion:
		err = actions.RepeatQuestion()
	case CommandMute:
		actions.SetMuted(true)
	case CommandUnmute:
		actions.SetMuted(false)
	}
	if err != nil {
		slog.Warn("voicecmd: command failed", "command", cmd.String(), "text", text, "error", err)
		return true, fmt.Errorf("voicecmd: %s: %w", cmd.String(), err)
	}
	slog.Info("voicecmd: command executed", "command", cmd.String(), "text", text)
	return true, nil
}

// defaultPatterns returns the built-in spoken control phrases.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:    "end-interview",
			Command: CommandEndInterview,
			Regex:   regexp.MustCompile(`(?i)^(please\s+)?(end|stop|finish)\s+(the\s+|this\s+)?interview(\s+now)?[.!]?$`),
			Phrases: []string{"end interview", "end the interview", "stop the interview"},
		},
		{
			Name:    "repeat-question",
			Command: CommandRepeatQuestion,
			Regex:   regexp.MustCompile(`(?i)^(please\s+|could\s+you\s+(please\s+)?)?(repeat|say)\s+(the\s+|that\s+)?(last\s+)?question(\s+again)?[,.!?]?$`),
			Phrases: []string{"repeat the question", "repeat the last question"},
		},
		{
			Name:    "mute",
			Command: CommandMute,
			Regex:   regexp.MustCompile(`(?i)^mute(\s+(myself|me|the\s+mic(rophone)?))?[.!]?$`),
			Phrases: []string{"mute myself", "mute the microphone"},
		},
		{
			Name:    "unmute",
			Command: CommandUnmute,
			Regex:   regexp.MustCompile(`(?i)^unmute(\s+(myself|me|the\s+mic(rophone)?))?[.!]?$`),
			Phrases: []string{"unmute myself", "unmute the microphone"},
		},
	}
}

// normalize lowercases and strips everything but letters, apostrophes and
// single spaces.
func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r == '\'':
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// metaphoneEqual reports whether two phrases have the same token count and
// every aligned token pair shares a Double Metaphone code.
func metaphoneEqual(a, b string) bool {
	at, bt := strings.Fields(a), strings.Fields(b)
	if len(at) == 0 || len(at) != len(bt) {
		return false
	}
	for i := range at {
		if !tokensSoundAlike(at[i], bt[i]) {
			return false
		}
	}
	return true
}

func tokensSoundAlike(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap == "" && bp == "" {
		return a == b
	}
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || (bs != "" && x == bs) {
			return true
		}
	}
	return false
}
