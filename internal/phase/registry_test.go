package phase

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 7, r.Len())
	assert.Equal(t, "time_compass", r.First())
	assert.Equal(t, []string{
		"time_compass", "choice_navigator", "action_workshop",
		"learning_dojo", "thinking_forge", "talent_growth", "review_hub",
	}, r.OrderedKeys())

	last, err := r.Lookup("review_hub")
	require.NoError(t, err)
	assert.True(t, last.Terminal())
	assert.Equal(t, 7, last.Order)

	next, ok := r.Next("learning_dojo")
	assert.True(t, ok)
	assert.Equal(t, "thinking_forge", next)

	_, ok = r.Next("review_hub")
	assert.False(t, ok)
}

func TestLookupUnknown(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	_, err = r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownPhase))
}

func TestNewRejectsBrokenChains(t *testing.T) {
	tests := []struct {
		name   string
		phases []Phase
	}{
		{name: "empty", phases: nil},
		{
			name: "no terminal",
			phases: []Phase{
				{Key: "a", Order: 1, Next: "b"},
				{Key: "b", Order: 2, Next: "a"},
			},
		},
		{
			name: "two terminals",
			phases: []Phase{
				{Key: "a", Order: 1},
				{Key: "b", Order: 2},
			},
		},
		{
			name: "gap in order",
			phases: []Phase{
				{Key: "a", Order: 1, Next: "b"},
				{Key: "b", Order: 3},
			},
		},
		{
			name: "dangling next",
			phases: []Phase{
				{Key: "a", Order: 1, Next: "zzz"},
				{Key: "b", Order: 2},
			},
		},
		{
			name: "next goes backwards",
			phases: []Phase{
				{Key: "a", Order: 1, Next: "c"},
				{Key: "b", Order: 2, Next: "a"},
				{Key: "c", Order: 3},
			},
		},
		{
			name: "duplicate key",
			phases: []Phase{
				{Key: "a", Order: 1, Next: "a"},
				{Key: "a", Order: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.phases)
			assert.Error(t, err)
		})
	}
}

func TestNewOrdersByOrderField(t *testing.T) {
	r, err := New([]Phase{
		{Key: "end", Order: 2},
		{Key: "start", Order: 1, Next: "end"},
	})
	require.NoError(t, err)
	assert.Equal(t, "start", r.First())
	assert.Equal(t, []string{"start", "end"}, r.OrderedKeys())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phases.yaml")
	data := []byte(`phases:
  - key: warmup
    order: 1
    name: Warmup
    next: wrapup
  - key: wrapup
    order: 2
    name: Wrapup
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"warmup", "wrapup"}, r.OrderedKeys())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPhasesReturnsCopy(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	ps := r.Phases()
	ps[0].Name = "mutated"

	p, err := r.Lookup(r.First())
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", p.Name)
}
