// Package journey moves a conversation through the ordered phase chain.
package journey

import (
	"errors"
	"fmt"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/phase"
)

// Summaries written when the model or the student ends a phase without one.
const (
	CompletedSummary = "已完成"
	SkippedSummary   = "（已跳過）"
)

// ErrTerminalPhase is returned when skipping from the last phase.
var ErrTerminalPhase = errors.New("已是最後階段")

// Advancer applies phase transitions to a conversation in memory. Callers
// persist the result.
type Advancer struct {
	phases *phase.Registry
}

// NewAdvancer creates an advancer over the given registry.
func NewAdvancer(phases *phase.Registry) *Advancer {
	return &Advancer{phases: phases}
}

// Complete records summary for the current phase and moves to the next one.
// Completing the terminal phase marks the conversation completed and returns
// an empty key. An unknown current phase is an error and leaves conv as is.
func (a *Advancer) Complete(conv *domain.Conversation, summary string) (string, error) {
	if summary == "" {
		summary = CompletedSummary
	}
	return a.advance(conv, summary)
}

// Skip records the skip marker for the current phase and moves to the next
// one. Skipping the terminal phase fails with ErrTerminalPhase.
func (a *Advancer) Skip(conv *domain.Conversation) (string, error) {
	current, err := a.phases.Lookup(conv.CurrentPhase)
	if err != nil {
		return "", err
	}
	if current.Terminal() {
		return "", ErrTerminalPhase
	}
	return a.advance(conv, SkippedSummary)
}

func (a *Advancer) advance(conv *domain.Conversation, summary string) (string, error) {
	current, err := a.phases.Lookup(conv.CurrentPhase)
	if err != nil {
		return "", fmt.Errorf("advance conversation %s: %w", conv.ID, err)
	}

	if conv.PhaseContext == nil {
		conv.PhaseContext = domain.PhaseContext{}
	}
	conv.PhaseContext[current.Key] = domain.PhaseSummary{Summary: summary}

	next, ok := a.phases.Next(current.Key)
	if !ok {
		conv.Status = domain.StatusCompleted
		return "", nil
	}
	conv.CurrentPhase = next
	return next, nil
}
