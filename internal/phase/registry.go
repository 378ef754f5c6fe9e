// Package phase holds the immutable, ordered table of journey phases.
package phase

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed phases.yaml
var defaultPhasesYAML []byte

// ErrUnknownPhase is returned when a key does not name a registered phase.
// Seeing it for a stored conversation means its state is corrupted.
var ErrUnknownPhase = errors.New("unknown phase")

// Phase is one step of the journey. Next is empty for the terminal phase.
type Phase struct {
	Key                string   `yaml:"key" json:"key"`
	Order              int      `yaml:"order" json:"order"`
	Name               string   `yaml:"name" json:"name"`
	BookChapter        string   `yaml:"book_chapter" json:"book_chapter"`
	Goal               string   `yaml:"goal" json:"goal"`
	Next               string   `yaml:"next,omitempty" json:"next,omitempty"`
	GuideQuestions     []string `yaml:"guide_questions" json:"guide_questions"`
	CompletionCriteria string   `yaml:"completion_criteria" json:"completion_criteria"`
}

// Terminal reports whether p ends the journey.
func (p Phase) Terminal() bool {
	return p.Next == ""
}

type file struct {
	Phases []Phase `yaml:"phases"`
}

// Registry is the validated phase chain. It is safe for concurrent use
// because nothing mutates it after construction.
type Registry struct {
	byKey   map[string]Phase
	ordered []Phase
}

// Default returns the registry built from the embedded phase table.
func Default() (*Registry, error) {
	return Parse(defaultPhasesYAML)
}

// Load reads a phase table from path, or the embedded table when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phases file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML phase table and validates it.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode phases: %w", err)
	}
	return New(f.Phases)
}

// New validates phases and builds a registry. The next pointers must form a
// single chain that starts at order 1, steps by one, and ends in exactly one
// terminal phase.
func New(phases []Phase) (*Registry, error) {
	if len(phases) == 0 {
		return nil, errors.New("phase table is empty")
	}

	r := &Registry{byKey: make(map[string]Phase, len(phases))}
	terminals := 0
	for _, p := range phases {
		if p.Key == "" {
			return nil, fmt.Errorf("phase at order %d has no key", p.Order)
		}
		if _, dup := r.byKey[p.Key]; dup {
			return nil, fmt.Errorf("duplicate phase key %q", p.Key)
		}
		if p.Terminal() {
			terminals++
		}
		p.GuideQuestions = slices.Clone(p.GuideQuestions)
		r.byKey[p.Key] = p
	}
	if terminals != 1 {
		return nil, fmt.Errorf("phase table must have exactly one terminal phase, found %d", terminals)
	}

	r.ordered = slices.Clone(phases)
	slices.SortFunc(r.ordered, func(a, b Phase) int { return a.Order - b.Order })

	for i, p := range r.ordered {
		if p.Order != i+1 {
			return nil, fmt.Errorf("phase %q has order %d, want %d", p.Key, p.Order, i+1)
		}
		if p.Terminal() {
			if i != len(r.ordered)-1 {
				return nil, fmt.Errorf("terminal phase %q is not last", p.Key)
			}
			continue
		}
		next, ok := r.byKey[p.Next]
		if !ok {
			return nil, fmt.Errorf("phase %q points to unknown phase %q", p.Key, p.Next)
		}
		if next.Order != p.Order+1 {
			return nil, fmt.Errorf("phase %q skips from order %d to %d", p.Key, p.Order, next.Order)
		}
	}

	return r, nil
}

// Lookup returns the phase registered under key.
func (r *Registry) Lookup(key string) (Phase, error) {
	p, ok := r.byKey[key]
	if !ok {
		return Phase{}, fmt.Errorf("%w: %q", ErrUnknownPhase, key)
	}
	return p, nil
}

// OrderedKeys returns every phase key in ascending order.
func (r *Registry) OrderedKeys() []string {
	keys := make([]string, len(r.ordered))
	for i, p := range r.ordered {
		keys[i] = p.Key
	}
	return keys
}

// Phases returns every phase in ascending order.
func (r *Registry) Phases() []Phase {
	return slices.Clone(r.ordered)
}

// First returns the key of the phase every journey starts in.
func (r *Registry) First() string {
	return r.ordered[0].Key
}

// Next returns the successor of key. ok is false for the terminal phase and
// for unknown keys.
func (r *Registry) Next(key string) (string, bool) {
	p, found := r.byKey[key]
	if !found || p.Terminal() {
		return "", false
	}
	return p.Next, true
}

// Len returns the number of phases.
func (r *Registry) Len() int {
	return len(r.ordered)
}
