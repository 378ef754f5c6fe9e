// Package domain defines the entities shared by the journey engine and its stores.
package domain

import (
	"time"
)

// Scenario is the practice context a conversation is anchored to.
type Scenario string

const (
	ScenarioAcademic   Scenario = "academic"
	ScenarioExpression Scenario = "expression"
	ScenarioInterview  Scenario = "interview"
)

// Label returns the human-readable scenario name used in prompts.
func (s Scenario) Label() string {
	switch s {
	case ScenarioAcademic:
		return "學科提升"
	case ScenarioExpression:
		return "表達能力提升"
	case ScenarioInterview:
		return "面試能力提升"
	default:
		return string(s)
	}
}

// Valid reports whether s is one of the known scenarios.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioAcademic, ScenarioExpression, ScenarioInterview:
		return true
	}
	return false
}

// DefaultAbilityScore is the neutral score assigned to unassessed dimensions.
const DefaultAbilityScore = 50.0

// AbilityDimensions lists the ability profile dimensions in display order.
var AbilityDimensions = []string{
	"chinese", "math", "english", "physics", "chemistry",
	"biology", "history", "geography", "politics",
	"logic", "language", "persuasion", "creativity",
	"confidence", "responsiveness", "depth", "uniqueness",
}

// AbilityProfile maps a dimension name to a 0-100 score.
type AbilityProfile map[string]float64

// Score returns the score for dimension, defaulting to DefaultAbilityScore.
func (p AbilityProfile) Score(dimension string) float64 {
	if v, ok := p[dimension]; ok {
		return v
	}
	return DefaultAbilityScore
}

// Interest is one topic on a student's interest map.
type Interest struct {
	Topic    string `json:"topic"`
	Depth    int    `json:"depth"`
	Category string `json:"category,omitempty"`
}

// FeedbackSummary is the accumulated assessment for one scenario.
type FeedbackSummary struct {
	Scenario      Scenario `json:"scenario"`
	Strengths     string   `json:"strengths,omitempty"`
	Weaknesses    string   `json:"weaknesses,omitempty"`
	ProgressTrend string   `json:"progress_trend,omitempty"`
}

// Student is the subject of a journey and owner of every record it produces.
type Student struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Grade             string            `json:"grade,omitempty"`
	School            string            `json:"school,omitempty"`
	TargetDirection   string            `json:"target_direction,omitempty"`
	Personality       string            `json:"personality,omitempty"`
	LearningStyle     string            `json:"learning_style,omitempty"`
	AbilityProfile    AbilityProfile    `json:"ability_profile,omitempty"`
	Interests         []Interest        `json:"interests,omitempty"`
	FeedbackSummaries []FeedbackSummary `json:"feedback_summaries,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
