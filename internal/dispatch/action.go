// Package dispatch turns ACTION directives into persisted student records.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/jingjin/internal/marker"
)

// Action kinds the model may request.
const (
	KindSaveTimeEntry      = "save_time_entry"
	KindSaveGoal           = "save_goal"
	KindSaveActionPlan     = "save_action_plan"
	KindSaveLearningRecord = "save_learning_record"
)

// Command is the closed set of record actions. Every implementation lives in
// this package.
type Command interface {
	Kind() string
	command()
}

// SaveTimeEntry records a block of time spent on an activity.
type SaveTimeEntry struct {
	Activity        string `json:"activity"`
	DurationMinutes int    `json:"duration_minutes"`
	HalfLife        string `json:"half_life"`
	BenefitValue    int    `json:"benefit_value"`
}

// SaveGoal records a goal. Scenario comes from the conversation.
type SaveGoal struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	FiveYearVision string `json:"five_year_vision"`
}

// SaveActionPlan records a plan split into core and supporting tasks.
type SaveActionPlan struct {
	Title        string   `json:"title"`
	CoreTasks    []string `json:"core_tasks"`
	SupportTasks []string `json:"support_tasks"`
}

// SaveLearningRecord records learning content. Scenario comes from the conversation.
type SaveLearningRecord struct {
	Module  string `json:"module"`
	Content string `json:"content"`
}

// Unrecognized is any action whose kind is not supported.
type Unrecognized struct {
	Type string
}

func (SaveTimeEntry) Kind() string      { return KindSaveTimeEntry }
func (SaveGoal) Kind() string           { return KindSaveGoal }
func (SaveActionPlan) Kind() string     { return KindSaveActionPlan }
func (SaveLearningRecord) Kind() string { return KindSaveLearningRecord }
func (u Unrecognized) Kind() string     { return u.Type }

func (SaveTimeEntry) command()      {}
func (SaveGoal) command()           {}
func (SaveActionPlan) command()     {}
func (SaveLearningRecord) command() {}
func (Unrecognized) command()       {}

// Parse maps a decoded directive onto its command, filling absent fields with
// their defaults. A payload whose fields have the wrong JSON types is an error.
func Parse(a marker.Action) (Command, error) {
	switch a.Type {
	case KindSaveTimeEntry:
		c := SaveTimeEntry{
			Activity:        "未命名活動",
			DurationMinutes: 30,
			HalfLife:        "long",
			BenefitValue:    3,
		}
		err := decodeInto(a, &c)
		return c, err
	case KindSaveGoal:
		c := SaveGoal{Title: "未命名目標"}
		err := decodeInto(a, &c)
		return c, err
	case KindSaveActionPlan:
		c := SaveActionPlan{Title: "未命名計劃"}
		if err := decodeInto(a, &c); err != nil {
			return c, err
		}
		if c.CoreTasks == nil {
			c.CoreTasks = []string{}
		}
		if c.SupportTasks == nil {
			c.SupportTasks = []string{}
		}
		return c, nil
	case KindSaveLearningRecord:
		c := SaveLearningRecord{Module: "learning_dojo"}
		err := decodeInto(a, &c)
		return c, err
	default:
		return Unrecognized{Type: a.Type}, nil
	}
}

// decodeInto overlays the payload onto dst, which already holds defaults.
func decodeInto(a marker.Action, dst any) error {
	if len(a.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}
