// Package prompt assembles the instruction text and message window sent to
// the model for each turn.
package prompt

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/llm"
	"github.com/ashureev/jingjin/internal/marker"
	"github.com/ashureev/jingjin/internal/phase"
)

//go:embed templates/*
var templateFS embed.FS

const (
	maxInterests = 5
	maxFeedback  = 3

	unknownPhaseOpening = "請開始引導學生。"
	firstPhaseOpening   = "（學生剛開始精進旅程。請用友善的方式做自我介紹，" +
		"簡要說明你們將一起完成的七步旅程，然後自然地開始第一步：了解學生的時間使用。" +
		"不要列出所有步驟的細節，保持輕鬆。）"
)

// Input is everything the assembler may draw on for one turn.
type Input struct {
	PhaseKey     string
	Scenario     domain.Scenario
	Student      *domain.Student
	PhaseContext domain.PhaseContext
	// History is the trailing window of stored turns, oldest first, excluding
	// the current user text.
	History  []*domain.ChatMessage
	UserText string
}

// Assembler builds model prompts.
type Assembler interface {
	Build(ctx context.Context, in Input) (llm.Prompt, error)
	// Opening returns the hidden instruction that elicits the first guiding
	// message of a phase.
	Opening(phaseKey string, phaseContext domain.PhaseContext) string
}

// TemplateAssembler renders the system prompt from embedded templates.
type TemplateAssembler struct {
	phases *phase.Registry
	tmpl   *template.Template
}

type priorResult struct {
	Name    string
	Summary string
}

type systemData struct {
	Scenario   domain.Scenario
	Phase      phase.Phase
	PhaseCount int
	Prior      []priorResult
	Student    *domain.Student
}

// NewTemplateAssembler parses the embedded templates against phases.
func NewTemplateAssembler(phases *phase.Registry) (*TemplateAssembler, error) {
	funcs := template.FuncMap{
		"phaseChain": func() string { return phaseChain(phases) },
		"score":      formatScore,
		"interests":  formatInterests,
		"feedback": func(fb []domain.FeedbackSummary) []domain.FeedbackSummary {
			return fb[:min(len(fb), maxFeedback)]
		},
	}
	tmpl, err := template.New("system.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/*")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &TemplateAssembler{phases: phases, tmpl: tmpl}, nil
}

// Build renders the system prompt and the role-tagged message window. Control
// markers are removed from past assistant turns.
func (a *TemplateAssembler) Build(_ context.Context, in Input) (llm.Prompt, error) {
	current, err := a.phases.Lookup(in.PhaseKey)
	if err != nil {
		return llm.Prompt{}, fmt.Errorf("build prompt: %w", err)
	}

	data := systemData{
		Scenario:   in.Scenario,
		Phase:      current,
		PhaseCount: a.phases.Len(),
		Student:    in.Student,
	}
	for _, p := range a.phases.Phases() {
		if ctx, ok := in.PhaseContext[p.Key]; ok {
			data.Prior = append(data.Prior, priorResult{Name: p.Name, Summary: ctx.Summary})
		}
	}

	var buf bytes.Buffer
	if err := a.tmpl.ExecuteTemplate(&buf, "system.tmpl", data); err != nil {
		return llm.Prompt{}, fmt.Errorf("render system prompt: %w", err)
	}

	messages := make([]llm.Message, 0, len(in.History)+1)
	for _, m := range in.History {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		case domain.RoleAssistant:
			messages = append(messages, llm.Message{Role: m.Role, Content: marker.Strip(m.Content)})
		}
	}
	if in.UserText != "" {
		messages = append(messages, llm.Message{Role: domain.RoleUser, Content: in.UserText})
	}

	return llm.Prompt{System: buf.String(), Messages: messages}, nil
}

// Opening picks the introduction for the first phase, a transition when any
// earlier phase has a recorded result, and a plain start otherwise.
func (a *TemplateAssembler) Opening(phaseKey string, phaseContext domain.PhaseContext) string {
	current, err := a.phases.Lookup(phaseKey)
	if err != nil {
		return unknownPhaseOpening
	}
	if current.Order == 1 {
		return firstPhaseOpening
	}

	earlier := a.phases.OrderedKeys()[:current.Order-1]
	hasContext := slices.ContainsFunc(earlier, func(k string) bool {
		_, ok := phaseContext[k]
		return ok
	})
	if hasContext {
		return fmt.Sprintf("（學生已完成前面的階段，現在進入「%s」階段。請基於前序階段的成果，自然地過渡到當前階段的話題。引導目標：%s）",
			current.Name, current.Goal)
	}
	return fmt.Sprintf("（現在開始「%s」階段。引導目標：%s。請自然地開始引導。）", current.Name, current.Goal)
}

func phaseChain(phases *phase.Registry) string {
	steps := make([]string, 0, phases.Len())
	for _, p := range phases.Phases() {
		steps = append(steps, strconv.Itoa(p.Order)+". "+p.Name)
	}
	return strings.Join(steps, " → ")
}

func formatScore(p domain.AbilityProfile, dimension string) string {
	return strconv.FormatFloat(p.Score(dimension), 'f', -1, 64)
}

func formatInterests(interests []domain.Interest) string {
	parts := make([]string, 0, maxInterests)
	for _, i := range interests[:min(len(interests), maxInterests)] {
		parts = append(parts, fmt.Sprintf("%s(深度%d)", i.Topic, i.Depth))
	}
	return strings.Join(parts, "、")
}

var _ Assembler = (*TemplateAssembler)(nil)
