package session

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/llm"
	"github.com/ashureev/jingjin/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	seq       int
	students  map[string]*domain.Student
	convs     map[string]*domain.Conversation
	messages  []*domain.ChatMessage
	goals     []*domain.Goal
	entries   []*domain.TimeEntry
	commits   int
	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students: map[string]*domain.Student{},
		convs:    map[string]*domain.Conversation{},
	}
}

func (s *fakeStore) addConversation(c *domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == "" {
		c.Status = domain.StatusActive
	}
	s.convs[c.ID] = c.Clone()
}

func (s *fakeStore) conversation(id string) *domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id].Clone()
}

func (s *fakeStore) messagesFor(convID string) []*domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ChatMessage
	for _, m := range s.messages {
		if m.ConversationID == convID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeStore) GetStudent(_ context.Context, id string) (*domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.students[id], nil
}

func (s *fakeStore) GetConversation(_ context.Context, studentID, convID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok || c.StudentID != studentID {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *fakeStore) ListMessages(_ context.Context, convID string, limit int) ([]*domain.ChatMessage, error) {
	msgs := s.messagesFor(convID)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *fakeStore) CountMessages(_ context.Context, convID string) (int, error) {
	return len(s.messagesFor(convID)), nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID("msg")
	m.CreatedAt = time.Now()
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *fakeStore) CommitTurn(_ context.Context, fn func(store.TurnTx) error) error {
	tx := &fakeTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commits++
	if tx.conv != nil {
		s.convs[tx.conv.ID] = tx.conv.Clone()
	}
	for _, m := range tx.messages {
		m.ID = s.nextID("msg")
		s.messages = append(s.messages, m)
	}
	s.goals = append(s.goals, tx.goals...)
	s.entries = append(s.entries, tx.entries...)
	return nil
}

type fakeTx struct {
	conv     *domain.Conversation
	messages []*domain.ChatMessage
	goals    []*domain.Goal
	entries  []*domain.TimeEntry
}

func (tx *fakeTx) CreateTimeEntry(_ context.Context, e *domain.TimeEntry) error {
	e.ID = fmt.Sprintf("entry-%d", len(tx.entries)+1)
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *fakeTx) CreateGoal(_ context.Context, g *domain.Goal) error {
	g.ID = fmt.Sprintf("goal-%d", len(tx.goals)+1)
	tx.goals = append(tx.goals, g)
	return nil
}

func (tx *fakeTx) CreateActionPlan(_ context.Context, p *domain.ActionPlan) error {
	p.ID = "plan-1"
	return nil
}

func (tx *fakeTx) CreateLearningRecord(_ context.Context, r *domain.LearningRecord) error {
	r.ID = "learning-1"
	return nil
}

func (tx *fakeTx) UpdateConversation(_ context.Context, c *domain.Conversation) error {
	tx.conv = c.Clone()
	return nil
}

func (tx *fakeTx) AppendMessage(_ context.Context, m *domain.ChatMessage) error {
	cp := *m
	tx.messages = append(tx.messages, &cp)
	return nil
}

// fakeSource replays chunks, then err if set. When gate is set the stream
// waits for it to close before producing anything.
type fakeSource struct {
	chunks []string
	err    error
	gate   chan struct{}
	opened chan struct{}

	mu      sync.Mutex
	prompts []llm.Prompt
}

func (f *fakeSource) Stream(ctx context.Context, p llm.Prompt) iter.Seq2[string, error] {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		if f.opened != nil {
			close(f.opened)
		}
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) lastPrompt() llm.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}
