// Package session runs conversation turns end to end: it persists the
// student's message, streams the model reply through the marker filter, and
// commits the requested side effects and phase transition with the reply.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/jingjin/internal/convlog"
	"github.com/ashureev/jingjin/internal/dispatch"
	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/journey"
	"github.com/ashureev/jingjin/internal/llm"
	"github.com/ashureev/jingjin/internal/marker"
	"github.com/ashureev/jingjin/internal/metrics"
	"github.com/ashureev/jingjin/internal/phase"
	"github.com/ashureev/jingjin/internal/prompt"
	"github.com/ashureev/jingjin/internal/store"
)

// FallbackReply stands in for the whole reply when the model stream fails.
const FallbackReply = "抱歉，AI 服務暫時不可用，請稍後再試。"

// Turn kinds used in metrics and audit records.
const (
	kindChat  = "chat"
	kindStart = "start"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
	GetConversation(ctx context.Context, studentID, convID string) (*domain.Conversation, error)
	ListMessages(ctx context.Context, convID string, limit int) ([]*domain.ChatMessage, error)
	CountMessages(ctx context.Context, convID string) (int, error)
	AppendMessage(ctx context.Context, m *domain.ChatMessage) error
	CommitTurn(ctx context.Context, fn func(store.TurnTx) error) error
}

// Config tunes turn handling.
type Config struct {
	// HistoryWindow is the number of stored messages replayed to the model.
	HistoryWindow int
	// FinalizeTimeout bounds the commit that follows a detached stream.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the default turn settings.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:   30,
		FinalizeTimeout: 15 * time.Second,
	}
}

// Dependencies are the collaborators of an Orchestrator. Metrics, Audit and
// Logger are optional.
type Dependencies struct {
	Store      Store
	Source     llm.Source
	Assembler  prompt.Assembler
	Phases     *phase.Registry
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Audit      convlog.Logger
	Logger     *slog.Logger
}

// Orchestrator runs turns. It is safe for concurrent use; turns on the same
// conversation are serialized by rejecting the later one.
type Orchestrator struct {
	cfg        Config
	store      Store
	source     llm.Source
	assembler  prompt.Assembler
	phases     *phase.Registry
	advancer   *journey.Advancer
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	audit      convlog.Logger
	logger     *slog.Logger
	guard      turnGuard
	now        func() time.Time
}

// New validates deps and creates an orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session: store is required")
	case deps.Source == nil:
		return nil, errors.New("session: token source is required")
	case deps.Assembler == nil:
		return nil, errors.New("session: assembler is required")
	case deps.Phases == nil:
		return nil, errors.New("session: phase registry is required")
	}

	defaults := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaults.HistoryWindow
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaults.FinalizeTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = convlog.Noop{}
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = dispatch.New(deps.Logger, deps.Metrics)
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		source:     deps.Source,
		assembler:  deps.Assembler,
		phases:     deps.Phases,
		advancer:   journey.NewAdvancer(deps.Phases),
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
		logger:     deps.Logger,
		now:        time.Now,
	}, nil
}

// ChatRequest is one student message.
type ChatRequest struct {
	StudentID      string
	ConversationID string
	Message        string
	// Channel and RequestID only annotate audit records.
	Channel   string
	RequestID string
}

// StartRequest asks for the first guiding message of a conversation.
type StartRequest struct {
	StudentID      string
	ConversationID string
	Channel        string
	RequestID      string
}

// SkipResult is the phase a skip moved the conversation to.
type SkipResult struct {
	NewPhase  string
	PhaseName string
	State     *State
}

type turn struct {
	kind           string
	studentID      string
	conversationID string
	userText       string
	channel        string
	requestID      string
}

// Chat runs one turn for a student message.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		t := turn{
			kind:           kindChat,
			studentID:      req.StudentID,
			conversationID: req.ConversationID,
			userText:       strings.TrimSpace(req.Message),
			channel:        req.Channel,
			requestID:      req.RequestID,
		}
		o.run(ctx, &emitter{yield: yield}, t)
	}
}

// Start produces the opening message of a conversation that has no turns
// yet. The hidden opening instruction is never stored.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		t := turn{
			kind:           kindStart,
			studentID:      req.StudentID,
			conversationID: req.ConversationID,
			channel:        req.Channel,
			requestID:      req.RequestID,
		}
		o.run(ctx, &emitter{yield: yield}, t)
	}
}

// Skip closes the current phase with the skip marker and moves on. Skipping
// the last phase fails with journey.ErrTerminalPhase.
func (o *Orchestrator) Skip(ctx context.Context, studentID, convID string) (SkipResult, error) {
	release, err := o.guard.acquire(convID)
	if err != nil {
		return SkipResult{}, err
	}
	defer release()

	conv, err := o.loadOpen(ctx, studentID, convID)
	if err != nil {
		return SkipResult{}, err
	}
	from := conv.CurrentPhase

	var next *domain.Conversation
	err = o.store.CommitTurn(ctx, func(tx store.TurnTx) error {
		c := conv.Clone()
		if _, err := o.advancer.Skip(c); err != nil {
			return err
		}
		c.UpdatedAt = o.now().UTC()
		if err := tx.UpdateConversation(ctx, c); err != nil {
			return err
		}
		next = c
		return nil
	})
	if err != nil {
		if !errors.Is(err, journey.ErrTerminalPhase) {
			o.logger.Error("Failed to skip phase", "error", err, "conversation_id", convID)
		}
		return SkipResult{}, fmt.Errorf("skip phase: %w", err)
	}

	o.metrics.IncrementTransition(from, "skip")
	p, err := o.phases.Lookup(next.CurrentPhase)
	if err != nil {
		return SkipResult{}, err
	}
	o.logger.Info("Phase skipped", "conversation_id", convID, "from", from, "to", p.Key)
	return SkipResult{NewPhase: p.Key, PhaseName: p.Name, State: stateOf(next)}, nil
}

// loadOpen returns the conversation if it exists for studentID and still
// accepts turns.
func (o *Orchestrator) loadOpen(ctx context.Context, studentID, convID string) (*domain.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, studentID, convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.Closed() {
		return nil, ErrConversationClosed
	}
	if _, err := o.phases.Lookup(conv.CurrentPhase); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	return conv, nil
}

//nolint:gocyclo // Turn stages run in sequence and share their locals.
func (o *Orchestrator) run(ctx context.Context, em *emitter, t turn) {
	outcome := "ok"
	defer func() {
		o.metrics.IncrementTurn(t.kind, outcome)
		em.emit(Event{Kind: EventDone})
	}()
	fail := func(err error) {
		if IsRejection(err) {
			outcome = "rejected"
		} else {
			outcome = "error"
			o.logger.Error("Turn failed", "error", err, "kind", t.kind,
				"student_id", t.studentID, "conversation_id", t.conversationID)
		}
		em.emit(Event{Kind: EventError, Err: err})
	}

	// receive
	if t.kind == kindChat && t.userText == "" {
		fail(ErrEmptyMessage)
		return
	}
	release, err := o.guard.acquire(t.conversationID)
	if err != nil {
		fail(err)
		return
	}
	defer release()

	conv, err := o.loadOpen(ctx, t.studentID, t.conversationID)
	if err != nil {
		fail(err)
		return
	}
	if t.kind == kindStart {
		n, err := o.store.CountMessages(ctx, conv.ID)
		if err != nil {
			fail(fmt.Errorf("count messages: %w", err))
			return
		}
		if n > 0 {
			fail(ErrAlreadyStarted)
			return
		}
	}
	if !em.emit(Event{Kind: EventAccepted}) {
		outcome = "detached"
		return
	}
	defer o.metrics.TurnStarted()()

	student, err := o.store.GetStudent(ctx, t.studentID)
	if err != nil {
		fail(fmt.Errorf("load student: %w", err))
		return
	}

	// persisting_user_msg
	var userMsg *domain.ChatMessage
	in := prompt.Input{
		PhaseKey:     conv.CurrentPhase,
		Scenario:     conv.Scenario,
		Student:      student,
		PhaseContext: conv.PhaseContext,
		UserText:     t.userText,
	}
	if t.kind == kindStart {
		in.UserText = o.assembler.Opening(conv.CurrentPhase, conv.PhaseContext)
	} else {
		userMsg = &domain.ChatMessage{
			ConversationID: conv.ID,
			Role:           domain.RoleUser,
			Content:        t.userText,
			PhaseAtTime:    conv.CurrentPhase,
		}
		if err := o.store.AppendMessage(ctx, userMsg); err != nil {
			fail(fmt.Errorf("save user message: %w", err))
			return
		}
		o.audit.Log(convlog.Event{
			StudentID:      t.studentID,
			ConversationID: conv.ID,
			Channel:        t.channel,
			Direction:      convlog.DirectionOutbound,
			EventType:      convlog.EventUserMessage,
			Phase:          conv.CurrentPhase,
			ContentRaw:     t.userText,
			Meta:           map[string]any{"request_id": t.requestID},
		})
	}

	// assembling_context
	if in.History, err = o.history(ctx, conv.ID, userMsg); err != nil {
		fail(err)
		return
	}
	p, err := o.assembler.Build(ctx, in)
	if err != nil {
		fail(fmt.Errorf("assemble prompt: %w", err))
		return
	}

	// streaming
	filter := marker.NewFilter()
	res := o.stream(ctx, em, p, filter)
	switch {
	case res.fallback:
		outcome = "fallback"
	case res.detached:
		outcome = "detached"
	}

	raw := filter.Raw()
	if raw == "" {
		o.logger.Warn("Model returned no content", "conversation_id", conv.ID, "kind", t.kind)
		return
	}

	// parsing, dispatching, advancing, persisting_assistant_msg
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()
	next, meta, err := o.finalize(fctx, t, conv, raw)
	o.audit.Log(convlog.Event{
		StudentID:      t.studentID,
		ConversationID: conv.ID,
		Channel:        t.channel,
		Direction:      convlog.DirectionInbound,
		EventType:      convlog.EventAssistantMessage,
		Phase:          conv.CurrentPhase,
		ContentRaw:     raw,
		Meta: map[string]any{
			"request_id":    t.requestID,
			"turn_kind":     t.kind,
			"stream_chunks": res.chunks,
			"partial":       res.detached,
			"fallback":      res.fallback,
			"committed":     err == nil,
			"action":        meta.Action,
		},
	})
	if err != nil {
		fail(fmt.Errorf("finalize turn: %w", err))
		return
	}

	em.emit(Event{Kind: EventState, State: stateOf(next)})
}

type streamResult struct {
	chunks   int
	fallback bool
	detached bool
}

// stream forwards visible text until the source ends, fails, or the
// consumer goes away.
func (o *Orchestrator) stream(ctx context.Context, em *emitter, p llm.Prompt, filter *marker.Filter) streamResult {
	var res streamResult
	for chunk, err := range o.source.Stream(ctx, p) {
		if err != nil {
			if ctx.Err() != nil {
				res.detached = true
				o.metrics.IncrementStreamFailure("canceled")
				break
			}
			o.logger.Error("Model stream failed, substituting fallback", "error", err)
			o.metrics.IncrementStreamFailure("upstream")
			filter.Replace(FallbackReply)
			res.fallback = true
			break
		}
		res.chunks++
		if out := filter.Write(chunk); out != "" {
			if !em.emit(Event{Kind: EventFragment, Text: out}) {
				res.detached = true
				break
			}
		}
	}
	if res.detached {
		return res
	}
	if out := filter.Flush(); out != "" {
		if !em.emit(Event{Kind: EventFragment, Text: out}) {
			res.detached = true
		}
	}
	return res
}

// history returns the trailing window of stored messages, leaving out the
// message just saved for this turn.
func (o *Orchestrator) history(ctx context.Context, convID string, current *domain.ChatMessage) ([]*domain.ChatMessage, error) {
	msgs, err := o.store.ListMessages(ctx, convID, o.cfg.HistoryWindow+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if current != nil {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.ID != current.ID {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}
	if len(msgs) > o.cfg.HistoryWindow {
		msgs = msgs[len(msgs)-o.cfg.HistoryWindow:]
	}
	return msgs, nil
}

// finalize decodes the directives in raw and commits their effects together
// with the assistant message. It works on a copy of conv so a retried
// transaction starts from the same state.
func (o *Orchestrator) finalize(ctx context.Context, t turn, conv *domain.Conversation, raw string) (*domain.Conversation, domain.ActionMetadata, error) {
	decoded := marker.Decode(raw, o.logger)

	var (
		next *domain.Conversation
		meta domain.ActionMetadata
	)
	err := o.store.CommitTurn(ctx, func(tx store.TurnTx) error {
		c := conv.Clone()
		meta = domain.ActionMetadata{}

		if decoded.Action != nil {
			result := o.dispatcher.Dispatch(ctx, tx, t.studentID, c, *decoded.Action)
			meta.Action = &result
		}
		if decoded.PhaseComplete != nil {
			newPhase, err := o.advancer.Complete(c, decoded.PhaseComplete.Summary)
			if err != nil {
				return err
			}
			meta.PhaseComplete = &domain.PhaseTransition{
				Summary:  c.PhaseContext[conv.CurrentPhase].Summary,
				NewPhase: newPhase,
			}
		}

		c.UpdatedAt = o.now().UTC()
		if err := tx.UpdateConversation(ctx, c); err != nil {
			return err
		}

		msg := &domain.ChatMessage{
			ConversationID: conv.ID,
			Role:           domain.RoleAssistant,
			Content:        raw,
			PhaseAtTime:    conv.CurrentPhase,
		}
		if !meta.Empty() {
			m := meta
			msg.ActionMetadata = &m
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		next = c
		return nil
	})
	if err != nil {
		return nil, meta, err
	}

	if decoded.Action != nil {
		o.metrics.IncrementDirective("action")
	}
	if decoded.PhaseComplete != nil {
		o.metrics.IncrementDirective("phase_complete")
		o.metrics.IncrementTransition(conv.CurrentPhase, "complete")
		o.logger.Info("Phase completed", "conversation_id", conv.ID,
			"from", conv.CurrentPhase, "to", next.CurrentPhase, "status", next.Status)
	}
	return next, meta, nil
}

// emitter stops delivering events once the consumer stops iterating.
type emitter struct {
	yield   func(Event) bool
	stopped bool
}

func (e *emitter) emit(ev Event) bool {
	if e.stopped {
		return false
	}
	if !e.yield(ev) {
		e.stopped = true
	}
	return !e.stopped
}
