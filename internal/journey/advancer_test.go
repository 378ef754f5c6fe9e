package journey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/phase"
)

func newAdvancer(t *testing.T) (*Advancer, *phase.Registry) {
	t.Helper()
	reg, err := phase.Default()
	require.NoError(t, err)
	return NewAdvancer(reg), reg
}

func newConversation(current string) *domain.Conversation {
	return &domain.Conversation{
		ID:           "conv-1",
		CurrentPhase: current,
		Status:       domain.StatusActive,
	}
}

func TestCompleteMovesToNextPhase(t *testing.T) {
	adv, reg := newAdvancer(t)
	conv := newConversation("time_compass")

	next, err := adv.Complete(conv, "釐清了時間分配")
	require.NoError(t, err)

	assert.Equal(t, "choice_navigator", next)
	assert.Equal(t, "choice_navigator", conv.CurrentPhase)
	assert.Equal(t, domain.PhaseContext{"time_compass": {Summary: "釐清了時間分配"}}, conv.PhaseContext)
	assert.Equal(t, domain.StatusActive, conv.Status)

	from, _ := reg.Lookup("time_compass")
	to, _ := reg.Lookup(next)
	assert.Equal(t, from.Order+1, to.Order)
}

func TestCompleteEmptySummaryUsesDefault(t *testing.T) {
	adv, _ := newAdvancer(t)
	conv := newConversation("learning_dojo")

	_, err := adv.Complete(conv, "")
	require.NoError(t, err)
	assert.Equal(t, CompletedSummary, conv.PhaseContext["learning_dojo"].Summary)
}

func TestCompleteTerminalPhaseCompletesConversation(t *testing.T) {
	adv, _ := newAdvancer(t)
	conv := newConversation("review_hub")

	next, err := adv.Complete(conv, "總結")
	require.NoError(t, err)

	assert.Empty(t, next)
	assert.Equal(t, "review_hub", conv.CurrentPhase)
	assert.Equal(t, domain.StatusCompleted, conv.Status)
	assert.Equal(t, "總結", conv.PhaseContext["review_hub"].Summary)
}

func TestSkipWritesSkipMarker(t *testing.T) {
	adv, _ := newAdvancer(t)
	conv := newConversation("time_compass")

	next, err := adv.Skip(conv)
	require.NoError(t, err)

	assert.Equal(t, "choice_navigator", next)
	assert.Equal(t, SkippedSummary, conv.PhaseContext["time_compass"].Summary)
}

func TestSkipTerminalPhaseFails(t *testing.T) {
	adv, _ := newAdvancer(t)
	conv := newConversation("review_hub")

	_, err := adv.Skip(conv)
	require.ErrorIs(t, err, ErrTerminalPhase)
	assert.Empty(t, conv.PhaseContext)
	assert.Equal(t, domain.StatusActive, conv.Status)
}

func TestUnknownPhaseIsRejected(t *testing.T) {
	adv, _ := newAdvancer(t)
	conv := newConversation("nowhere")

	_, err := adv.Complete(conv, "x")
	require.ErrorIs(t, err, phase.ErrUnknownPhase)
	assert.Equal(t, "nowhere", conv.CurrentPhase)
	assert.Empty(t, conv.PhaseContext)

	_, err = adv.Skip(conv)
	require.ErrorIs(t, err, phase.ErrUnknownPhase)
}

func TestWalkingTheWholeChain(t *testing.T) {
	adv, reg := newAdvancer(t)
	conv := newConversation(reg.First())

	// Alternate skips and completions; either way every phase gets exactly one entry.
	for i := 0; i < reg.Len()-1; i++ {
		var err error
		if i%2 == 0 {
			_, err = adv.Skip(conv)
		} else {
			_, err = adv.Complete(conv, "")
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "review_hub", conv.CurrentPhase)
	assert.Equal(t, domain.StatusActive, conv.Status)

	_, err := adv.Complete(conv, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, conv.Status)
	assert.Len(t, conv.PhaseContext, reg.Len())
	assert.Equal(t, SkippedSummary, conv.PhaseContext["time_compass"].Summary)
	assert.Equal(t, CompletedSummary, conv.PhaseContext["choice_navigator"].Summary)
}
