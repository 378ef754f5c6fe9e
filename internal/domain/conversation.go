package domain

import (
	"maps"
	"time"
)

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "新的精進旅程"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusCompleted ConversationStatus = "completed"
	StatusArchived  ConversationStatus = "archived"
)

// PhaseSummary is the outcome recorded when a phase is exited.
type PhaseSummary struct {
	Summary string `json:"summary"`
}

// PhaseContext maps a phase key to the summary written when that phase ended.
type PhaseContext map[string]PhaseSummary

// Conversation is one guided journey for a student.
type Conversation struct {
	ID           string             `json:"id"`
	StudentID    string             `json:"student_id"`
	Title        string             `json:"title"`
	Scenario     Scenario           `json:"scenario"`
	CurrentPhase string             `json:"current_phase"`
	PhaseContext PhaseContext       `json:"phase_context"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Clone returns a copy whose PhaseContext can be mutated independently.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.PhaseContext = maps.Clone(c.PhaseContext)
	if cp.PhaseContext == nil {
		cp.PhaseContext = PhaseContext{}
	}
	return &cp
}

// Closed reports whether the conversation no longer accepts turns.
func (c *Conversation) Closed() bool {
	return c.Status == StatusCompleted || c.Status == StatusArchived
}
