package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ActionResult reports the outcome of one side effect requested by the model.
type ActionResult struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	ReferenceID string `json:"reference_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PhaseTransition reports a phase completion requested by the model.
// NewPhase is empty when the journey finished.
type PhaseTransition struct {
	Summary  string `json:"summary"`
	NewPhase string `json:"new_phase,omitempty"`
}

// ActionMetadata is attached to assistant messages that carried directives.
type ActionMetadata struct {
	Action        *ActionResult    `json:"action,omitempty"`
	PhaseComplete *PhaseTransition `json:"phase_complete,omitempty"`
}

// Empty reports whether the metadata carries nothing worth storing.
func (m *ActionMetadata) Empty() bool {
	return m == nil || (m.Action == nil && m.PhaseComplete == nil)
}

// ChatMessage is one immutable turn record.
type ChatMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	PhaseAtTime    string          `json:"phase_at_time"`
	ActionMetadata *ActionMetadata `json:"action_metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
