package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/marker"
	"github.com/ashureev/jingjin/internal/metrics"
)

// RecordWriter persists the records a command produces. Implementations
// assign the record ID.
type RecordWriter interface {
	CreateTimeEntry(ctx context.Context, e *domain.TimeEntry) error
	CreateGoal(ctx context.Context, g *domain.Goal) error
	CreateActionPlan(ctx context.Context, p *domain.ActionPlan) error
	CreateLearningRecord(ctx context.Context, r *domain.LearningRecord) error
}

// Dispatcher executes record actions. Failures are reported in the returned
// result and never interrupt the caller's turn.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a dispatcher. Both arguments may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger, metrics: m, now: time.Now}
}

// Dispatch persists the record requested by a on behalf of studentID.
func (d *Dispatcher) Dispatch(ctx context.Context, w RecordWriter, studentID string, conv *domain.Conversation, a marker.Action) (result domain.ActionResult) {
	result = domain.ActionResult{Type: a.Type}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Record action panicked", "type", a.Type, "panic", r)
			result = domain.ActionResult{Type: a.Type, Error: "internal error"}
		}
		d.metrics.IncrementDispatch(a.Type, result.Success)
	}()

	cmd, err := Parse(a)
	if err != nil {
		d.logger.Warn("Rejecting record action payload", "type", a.Type, "error", err)
		result.Error = err.Error()
		return result
	}

	now := d.now().UTC()
	switch c := cmd.(type) {
	case SaveTimeEntry:
		e := &domain.TimeEntry{
			StudentID:       studentID,
			Activity:        c.Activity,
			DurationMinutes: c.DurationMinutes,
			HalfLife:        c.HalfLife,
			BenefitValue:    c.BenefitValue,
			CreatedAt:       now,
		}
		err = w.CreateTimeEntry(ctx, e)
		result.ReferenceID = e.ID
		d.logResult("Saved time entry", c.Activity, err)
	case SaveGoal:
		g := &domain.Goal{
			StudentID:      studentID,
			Scenario:       conv.Scenario,
			Title:          c.Title,
			Description:    c.Description,
			FiveYearVision: c.FiveYearVision,
			Status:         "active",
			CreatedAt:      now,
		}
		err = w.CreateGoal(ctx, g)
		result.ReferenceID = g.ID
		d.logResult("Saved goal", c.Title, err)
	case SaveActionPlan:
		p := &domain.ActionPlan{
			StudentID:    studentID,
			Title:        c.Title,
			CoreTasks:    c.CoreTasks,
			SupportTasks: c.SupportTasks,
			Status:       "pending",
			CreatedAt:    now,
		}
		err = w.CreateActionPlan(ctx, p)
		result.ReferenceID = p.ID
		d.logResult("Saved action plan", c.Title, err)
	case SaveLearningRecord:
		r := &domain.LearningRecord{
			StudentID: studentID,
			Module:    c.Module,
			Scenario:  conv.Scenario,
			Content:   c.Content,
			CreatedAt: now,
		}
		err = w.CreateLearningRecord(ctx, r)
		result.ReferenceID = r.ID
		d.logResult("Saved learning record", c.Module, err)
	case Unrecognized:
		d.logger.Warn("Unknown record action", "type", c.Type, "conversation_id", conv.ID)
		return result
	}

	if err != nil {
		result.ReferenceID = ""
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (d *Dispatcher) logResult(msg, label string, err error) {
	if err != nil {
		d.logger.Error("Record action failed", "action", msg, "label", label, "error", err)
		return
	}
	d.logger.Info(msg, "label", label)
}
