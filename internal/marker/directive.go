// Package marker implements the in-band directive protocol the model uses to
// request side effects and phase transitions from inside its prose.
//
// A directive is an HTML comment carrying a JSON payload:
//
//	<!--ACTION:{"type":"save_goal","data":{"title":"..."}}-->
//	<!--PHASE_COMPLETE:{"summary":"..."}-->
//
// Directives are never shown to the student. Filter withholds them from a live
// stream and Decode extracts them from the complete text once the stream ends.
package marker

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Prefix opens every directive.
const Prefix = "<!--"

// Window is the number of trailing runes held back while no prefix is in
// sight, so a prefix split across chunks is still caught.
const Window = 6

var (
	actionPattern        = regexp.MustCompile(`(?s)<!--ACTION:(.*?)-->`)
	phaseCompletePattern = regexp.MustCompile(`(?s)<!--PHASE_COMPLETE:(.*?)-->`)
	commentPattern       = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Action asks the engine to persist a record. Data is decoded later by the
// dispatcher, which owns the per-kind schemas.
type Action struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PhaseComplete asks the engine to close the current phase.
type PhaseComplete struct {
	Summary string `json:"summary"`
}

// Decoded holds at most one directive of each kind. A nil field means no
// well-formed directive of that kind was present.
type Decoded struct {
	Action        *Action
	PhaseComplete *PhaseComplete
}

// Decode extracts the first directive of each kind from text. A payload that
// is not valid JSON is treated as absent and logged. Decode has no side
// effects beyond logging, so calling it again on the same text yields the
// same result.
func Decode(text string, logger *slog.Logger) Decoded {
	if logger == nil {
		logger = slog.Default()
	}

	var d Decoded
	if m := actionPattern.FindStringSubmatch(text); m != nil {
		var a Action
		if err := json.Unmarshal([]byte(m[1]), &a); err != nil {
			logger.Warn("Dropping malformed ACTION directive", "error", err, "payload", m[1])
		} else {
			d.Action = &a
		}
	}
	if m := phaseCompletePattern.FindStringSubmatch(text); m != nil {
		var pc PhaseComplete
		if err := json.Unmarshal([]byte(m[1]), &pc); err != nil {
			logger.Warn("Dropping malformed PHASE_COMPLETE directive", "error", err, "payload", m[1])
		} else {
			d.PhaseComplete = &pc
		}
	}
	return d
}

// Strip removes every complete directive from text and trims the result.
// It is used to clean stored assistant turns before they are replayed to the model.
func Strip(text string) string {
	text = actionPattern.ReplaceAllString(text, "")
	text = phaseCompletePattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
