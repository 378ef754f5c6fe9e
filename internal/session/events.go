package session

import (
	"errors"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/journey"
)

// Errors that reject a turn before anything is persisted.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrTurnInProgress       = errors.New("a turn is already in progress for this conversation")
	ErrAlreadyStarted       = errors.New("conversation already started")
	ErrEmptyMessage         = errors.New("message is required")
)

// IsRejection reports whether err refused the turn before any work was done.
// Transports answer these with a plain status instead of a stream.
func IsRejection(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrConversationClosed) ||
		errors.Is(err, ErrTurnInProgress) ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrEmptyMessage) ||
		errors.Is(err, journey.ErrTerminalPhase)
}

// EventKind tags an Event.
type EventKind string

const (
	// EventAccepted is emitted once the turn holds the conversation and is
	// about to do work. Rejections arrive as an EventError instead.
	EventAccepted EventKind = "accepted"
	EventFragment EventKind = "fragment"
	EventState    EventKind = "state"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
)

// State is the conversation progress after a turn committed.
type State struct {
	CurrentPhase string                    `json:"current_phase"`
	PhaseContext domain.PhaseContext       `json:"phase_context"`
	Status       domain.ConversationStatus `json:"status"`
}

// Event is one item of a turn's output stream. Every stream ends with exactly
// one EventDone, preceded by at most one EventError.
type Event struct {
	Kind  EventKind
	Text  string
	State *State
	Err   error
}

func stateOf(c *domain.Conversation) *State {
	return &State{
		CurrentPhase: c.CurrentPhase,
		PhaseContext: c.PhaseContext,
		Status:       c.Status,
	}
}
