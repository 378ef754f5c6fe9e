package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/jingjin/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *SQLiteStore) (*domain.Student, *domain.Conversation) {
	t.Helper()
	ctx := context.Background()

	st := &domain.Student{
		Name:           "小明",
		Grade:          "高二",
		AbilityProfile: domain.AbilityProfile{"math": 82},
		Interests:      []domain.Interest{{Topic: "天文", Depth: 3}},
	}
	require.NoError(t, s.CreateStudent(ctx, st))

	conv := &domain.Conversation{
		StudentID:    st.ID,
		Title:        domain.DefaultConversationTitle,
		Scenario:     domain.ScenarioAcademic,
		CurrentPhase: "time_compass",
		Status:       domain.StatusActive,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	return st, conv
}

func TestSQLiteStudentRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, _ := seedConversation(t, s)

	got, err := s.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "小明", got.Name)
	assert.Equal(t, 82.0, got.AbilityProfile.Score("math"))
	assert.Equal(t, domain.DefaultAbilityScore, got.AbilityProfile.Score("physics"))
	assert.Equal(t, []domain.Interest{{Topic: "天文", Depth: 3}}, got.Interests)

	got.School = "實驗中學"
	require.NoError(t, s.UpdateStudent(ctx, got))
	again, err := s.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "實驗中學", again.School)

	missing, err := s.GetStudent(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteConversationOwnership(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, conv := seedConversation(t, s)

	got, err := s.GetConversation(ctx, st.ID, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "time_compass", got.CurrentPhase)
	assert.NotNil(t, got.PhaseContext)

	other, err := s.GetConversation(ctx, "someone-else", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, other)

	list, err := s.ListConversations(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
}

func TestSQLiteListMessagesReturnsTailInOrder(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	_, conv := seedConversation(t, s)

	for _, content := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, s.AppendMessage(ctx, &domain.ChatMessage{
			ConversationID: conv.ID,
			Role:           domain.RoleUser,
			Content:        content,
			PhaseAtTime:    conv.CurrentPhase,
		}))
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Content)
	assert.Equal(t, "m4", msgs[1].Content)

	all, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSQLiteCommitTurnIsAtomic(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, conv := seedConversation(t, s)

	boom := errors.New("boom")
	err := s.CommitTurn(ctx, func(tx TurnTx) error {
		require.NoError(t, tx.CreateGoal(ctx, &domain.Goal{StudentID: st.ID, Scenario: conv.Scenario, Title: "g", Status: "active"}))
		updated := conv.Clone()
		updated.CurrentPhase = "choice_navigator"
		require.NoError(t, tx.UpdateConversation(ctx, updated))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetConversation(ctx, st.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "time_compass", got.CurrentPhase)

	recs, err := s.ListRecords(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, recs.Goals)
}

func TestSQLiteCommitTurnPersistsEverything(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, conv := seedConversation(t, s)

	var planID string
	err := s.CommitTurn(ctx, func(tx TurnTx) error {
		plan := &domain.ActionPlan{StudentID: st.ID, Title: "晨讀", CoreTasks: []string{"背單詞"}, SupportTasks: []string{}, Status: "pending"}
		if err := tx.CreateActionPlan(ctx, plan); err != nil {
			return err
		}
		planID = plan.ID

		updated := conv.Clone()
		updated.PhaseContext["time_compass"] = domain.PhaseSummary{Summary: "已完成"}
		updated.CurrentPhase = "choice_navigator"
		if err := tx.UpdateConversation(ctx, updated); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, &domain.ChatMessage{
			ConversationID: conv.ID,
			Role:           domain.RoleAssistant,
			Content:        "好的",
			PhaseAtTime:    "time_compass",
			ActionMetadata: &domain.ActionMetadata{
				Action:        &domain.ActionResult{Type: "save_action_plan", Success: true, ReferenceID: plan.ID},
				PhaseComplete: &domain.PhaseTransition{Summary: "已完成", NewPhase: "choice_navigator"},
			},
		})
	})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, st.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "choice_navigator", got.CurrentPhase)
	assert.Equal(t, "已完成", got.PhaseContext["time_compass"].Summary)

	msgs, err := s.ListMessages(ctx, conv.ID, 30)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ActionMetadata)
	assert.Equal(t, planID, msgs[0].ActionMetadata.Action.ReferenceID)
	assert.Equal(t, "time_compass", msgs[0].PhaseAtTime)

	recs, err := s.ListRecords(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, recs.ActionPlans, 1)
	assert.Equal(t, []string{"背單詞"}, recs.ActionPlans[0].CoreTasks)
}

func TestSQLiteUpdateConversationKeepsCallerTimestamp(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, conv := seedConversation(t, s)

	stamp := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	updated := conv.Clone()
	updated.CurrentPhase = "choice_navigator"
	updated.UpdatedAt = stamp
	require.NoError(t, s.CommitTurn(ctx, func(tx TurnTx) error {
		return tx.UpdateConversation(ctx, updated)
	}))
	assert.True(t, stamp.Equal(updated.UpdatedAt))

	got, err := s.GetConversation(ctx, st.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, stamp.Unix(), got.UpdatedAt.Unix())

	zero := got.Clone()
	zero.UpdatedAt = time.Time{}
	before := time.Now().Add(-time.Second)
	require.NoError(t, s.CommitTurn(ctx, func(tx TurnTx) error {
		return tx.UpdateConversation(ctx, zero)
	}))
	assert.False(t, zero.UpdatedAt.Before(before))
}

func TestSQLiteFailedRecordWriteKeepsTurnUsable(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, conv := seedConversation(t, s)

	err := s.CommitTurn(ctx, func(tx TurnTx) error {
		first := &domain.Goal{ID: "dup", StudentID: st.ID, Scenario: conv.Scenario, Title: "a", Status: "active"}
		require.NoError(t, tx.CreateGoal(ctx, first))
		second := &domain.Goal{ID: "dup", StudentID: st.ID, Scenario: conv.Scenario, Title: "b", Status: "active"}
		assert.Error(t, tx.CreateGoal(ctx, second))
		return tx.AppendMessage(ctx, &domain.ChatMessage{ConversationID: conv.ID, Role: domain.RoleAssistant, Content: "ok", PhaseAtTime: conv.CurrentPhase})
	})
	require.NoError(t, err)

	recs, err := s.ListRecords(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, recs.Goals, 1)
	assert.Equal(t, "a", recs.Goals[0].Title)

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteArchiveStale(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	st, _ := seedConversation(t, s)

	old := &domain.Conversation{
		StudentID:    st.ID,
		Title:        "old",
		Scenario:     domain.ScenarioAcademic,
		CurrentPhase: "time_compass",
		Status:       domain.StatusActive,
		CreatedAt:    time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, s.CreateConversation(ctx, old))

	n, err := s.ArchiveStale(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetConversation(ctx, st.ID, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, got.Status)
}
