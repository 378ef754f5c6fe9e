package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/jingjin/internal/domain"
)

// DBPool abstracts *pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresStore implements Repository using PostgreSQL.
type PostgresStore struct {
	pool   DBPool
	logger *slog.Logger
}

// ConnectPostgres opens a pgx pool for url and wraps it in a store.
func ConnectPostgres(ctx context.Context, url string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres creates a store over pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS students (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	grade TEXT NOT NULL DEFAULT '',
	school TEXT NOT NULL DEFAULT '',
	target_direction TEXT NOT NULL DEFAULT '',
	personality TEXT NOT NULL DEFAULT '',
	learning_style TEXT NOT NULL DEFAULT '',
	ability_profile JSONB NOT NULL DEFAULT '{}',
	interests JSONB NOT NULL DEFAULT '[]',
	feedback_summaries JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	title TEXT NOT NULL,
	scenario TEXT NOT NULL,
	current_phase TEXT NOT NULL,
	phase_context JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_student ON conversations(student_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, updated_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	phase_at_time TEXT NOT NULL,
	action_metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, created_at, seq);

CREATE TABLE IF NOT EXISTS time_entries (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	activity TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL,
	half_life TEXT NOT NULL,
	benefit_value INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	scenario TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	five_year_vision TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS action_plans (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	title TEXT NOT NULL,
	core_tasks JSONB NOT NULL DEFAULT '[]',
	support_tasks JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_records (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL REFERENCES students(id),
	module TEXT NOT NULL,
	scenario TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema. It is safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const sqlInsertStudent = `
	INSERT INTO students (id, name, grade, school, target_direction, personality, learning_style,
		ability_profile, interests, feedback_summaries, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// CreateStudent inserts a student, assigning an ID when empty.
func (s *PostgresStore) CreateStudent(ctx context.Context, st *domain.Student) error {
	stamp(&st.ID, &st.CreatedAt)
	st.UpdatedAt = st.CreatedAt
	cols, err := encodeStudent(st)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlInsertStudent,
		st.ID, st.Name, st.Grade, st.School, st.TargetDirection, st.Personality, st.LearningStyle,
		cols.abilityProfile, cols.interests, cols.feedback, st.CreatedAt, st.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// GetStudent retrieves a student by ID.
func (s *PostgresStore) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	query := `
		SELECT id, name, grade, school, target_direction, personality, learning_style,
		       ability_profile, interests, feedback_summaries, created_at, updated_at
		FROM students WHERE id = $1`

	var st domain.Student
	var abilityProfile, interests, feedback []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&st.ID, &st.Name, &st.Grade, &st.School, &st.TargetDirection, &st.Personality, &st.LearningStyle,
		&abilityProfile, &interests, &feedback, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan student row: %w", err)
	}
	if err := decodeStudent(&st, abilityProfile, interests, feedback); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateStudent overwrites the student's profile fields.
func (s *PostgresStore) UpdateStudent(ctx context.Context, st *domain.Student) error {
	cols, err := encodeStudent(st)
	if err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE students SET name = $1, grade = $2, school = $3, target_direction = $4, personality = $5,
		learning_style = $6, ability_profile = $7, interests = $8, feedback_summaries = $9, updated_at = $10
	WHERE id = $11`
	tag, err := s.pool.Exec(ctx, query,
		st.Name, st.Grade, st.School, st.TargetDirection, st.Personality, st.LearningStyle,
		cols.abilityProfile, cols.interests, cols.feedback, st.UpdatedAt, st.ID,
	)
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s not found", st.ID)
	}
	return nil
}

const sqlInsertConversation = `
	INSERT INTO conversations (id, student_id, title, scenario, current_phase, phase_context, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// CreateConversation inserts a conversation, assigning an ID when empty.
func (s *PostgresStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	stamp(&c.ID, &c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	phaseContext, err := encodeJSON(c.PhaseContext, "{}")
	if err != nil {
		return fmt.Errorf("encode phase context: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertConversation,
		c.ID, c.StudentID, c.Title, string(c.Scenario), c.CurrentPhase, phaseContext,
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func scanPostgresConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var scenario, status string
	var phaseContext []byte
	if err := row.Scan(&c.ID, &c.StudentID, &c.Title, &scenario, &c.CurrentPhase,
		&phaseContext, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Scenario = domain.Scenario(scenario)
	c.Status = domain.ConversationStatus(status)
	c.PhaseContext = domain.PhaseContext{}
	if err := decodeJSON(phaseContext, &c.PhaseContext); err != nil {
		return nil, fmt.Errorf("decode phase context: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation owned by studentID.
func (s *PostgresStore) GetConversation(ctx context.Context, studentID, convID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 AND student_id = $2`
	c, err := scanPostgresConversation(s.pool.QueryRow(ctx, query, convID, studentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// ListConversations returns the student's conversations, newest activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, studentID string) ([]*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE student_id = $1 ORDER BY updated_at DESC, id`
	rows, err := s.pool.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	convs := []*domain.Conversation{}
	for rows.Next() {
		c, err := scanPostgresConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// ListMessages returns the last limit messages of a conversation, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, convID string, limit int) ([]*domain.ChatMessage, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	query := `
		SELECT id, conversation_id, role, content, phase_at_time, action_metadata, created_at FROM (
			SELECT id, conversation_id, role, content, phase_at_time, action_metadata, created_at, seq
			FROM chat_messages WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC LIMIT $2
		) recent ORDER BY created_at ASC, seq ASC`

	rows, err := s.pool.Query(ctx, query, convID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []*domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.PhaseAtTime, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		if m.ActionMetadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *PostgresStore) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = $1`, convID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sqlInsertMessage = `
	INSERT INTO chat_messages (id, conversation_id, role, content, phase_at_time, action_metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// AppendMessage stores a message outside a turn transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	return insertPostgresMessage(ctx, s.pool, m)
}

func insertPostgresMessage(ctx context.Context, ex pgExecer, m *domain.ChatMessage) error {
	stamp(&m.ID, &m.CreatedAt)
	metadata, err := encodeMetadata(m.ActionMetadata)
	if err != nil {
		return err
	}
	if _, err := ex.Exec(ctx, sqlInsertMessage,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.PhaseAtTime, metadata, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CommitTurn runs fn in a transaction, replaying it on serialization failures.
func (s *PostgresStore) CommitTurn(ctx context.Context, fn func(TurnTx) error) error {
	return withRetry(ctx, s.logger, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin turn transaction: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Error("Failed to rollback turn transaction", "error", rbErr)
			}
		}()

		if err := fn(&postgresTurn{tx: tx, logger: s.logger}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit turn transaction: %w", err)
		}
		return nil
	})
}

// ListRecords returns every record a student owns, oldest first.
func (s *PostgresStore) ListRecords(ctx context.Context, studentID string) (*domain.Records, error) {
	var err error
	recs := &domain.Records{}

	recs.TimeEntries, err = collect(ctx, s.pool, "time entries",
		`SELECT id, student_id, activity, duration_minutes, half_life, benefit_value, created_at
		 FROM time_entries WHERE student_id = $1 ORDER BY created_at, id`, studentID,
		func(row pgx.CollectableRow) (*domain.TimeEntry, error) {
			var e domain.TimeEntry
			err := row.Scan(&e.ID, &e.StudentID, &e.Activity, &e.DurationMinutes, &e.HalfLife, &e.BenefitValue, &e.CreatedAt)
			return &e, err
		})
	if err != nil {
		return nil, err
	}

	recs.Goals, err = collect(ctx, s.pool, "goals",
		`SELECT id, student_id, scenario, title, description, five_year_vision, status, created_at
		 FROM goals WHERE student_id = $1 ORDER BY created_at, id`, studentID,
		func(row pgx.CollectableRow) (*domain.Goal, error) {
			var g domain.Goal
			var scenario string
			err := row.Scan(&g.ID, &g.StudentID, &scenario, &g.Title, &g.Description, &g.FiveYearVision, &g.Status, &g.CreatedAt)
			g.Scenario = domain.Scenario(scenario)
			return &g, err
		})
	if err != nil {
		return nil, err
	}

	recs.ActionPlans, err = collect(ctx, s.pool, "action plans",
		`SELECT id, student_id, title, core_tasks, support_tasks, status, created_at
		 FROM action_plans WHERE student_id = $1 ORDER BY created_at, id`, studentID,
		func(row pgx.CollectableRow) (*domain.ActionPlan, error) {
			var p domain.ActionPlan
			var core, support []byte
			if err := row.Scan(&p.ID, &p.StudentID, &p.Title, &core, &support, &p.Status, &p.CreatedAt); err != nil {
				return nil, err
			}
			if err := decodeJSON(core, &p.CoreTasks); err != nil {
				return nil, fmt.Errorf("decode core tasks: %w", err)
			}
			if err := decodeJSON(support, &p.SupportTasks); err != nil {
				return nil, fmt.Errorf("decode support tasks: %w", err)
			}
			return &p, nil
		})
	if err != nil {
		return nil, err
	}

	recs.LearningRecords, err = collect(ctx, s.pool, "learning records",
		`SELECT id, student_id, module, scenario, content, created_at
		 FROM learning_records WHERE student_id = $1 ORDER BY created_at, id`, studentID,
		func(row pgx.CollectableRow) (*domain.LearningRecord, error) {
			var r domain.LearningRecord
			var scenario string
			err := row.Scan(&r.ID, &r.StudentID, &r.Module, &scenario, &r.Content, &r.CreatedAt)
			r.Scenario = domain.Scenario(scenario)
			return &r, err
		})
	if err != nil {
		return nil, err
	}

	return recs, nil
}

func collect[T any](ctx context.Context, pool DBPool, what, query string, arg any, fn pgx.RowToFunc[T]) ([]T, error) {
	rows, err := pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	items, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", what, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// ArchiveStale archives active conversations idle since before.
func (s *PostgresStore) ArchiveStale(ctx context.Context, before time.Time) (int64, error) {
	query := `UPDATE conversations SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`
	tag, err := s.pool.Exec(ctx, query,
		string(domain.StatusArchived), time.Now().UTC(), string(domain.StatusActive), before,
	)
	if err != nil {
		return 0, fmt.Errorf("archive stale conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// postgresTurn implements TurnTx. Each record write runs in a nested
// transaction, which pgx maps to a savepoint.
type postgresTurn struct {
	tx     pgx.Tx
	logger *slog.Logger
}

func (t *postgresTurn) savepoint(ctx context.Context, query string, args ...any) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, query, args...); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			t.logger.Error("Failed to roll back record savepoint", "error", rbErr)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

const (
	sqlInsertTimeEntry = `
	INSERT INTO time_entries (id, student_id, activity, duration_minutes, half_life, benefit_value, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	sqlInsertGoal = `
	INSERT INTO goals (id, student_id, scenario, title, description, five_year_vision, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlInsertActionPlan = `
	INSERT INTO action_plans (id, student_id, title, core_tasks, support_tasks, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	sqlInsertLearningRecord = `
	INSERT INTO learning_records (id, student_id, module, scenario, content, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`
	sqlUpdateConversation = `
	UPDATE conversations SET title = $1, current_phase = $2, phase_context = $3, status = $4, updated_at = $5
	WHERE id = $6`
)

func (t *postgresTurn) CreateTimeEntry(ctx context.Context, e *domain.TimeEntry) error {
	stamp(&e.ID, &e.CreatedAt)
	if err := t.savepoint(ctx, sqlInsertTimeEntry,
		e.ID, e.StudentID, e.Activity, e.DurationMinutes, e.HalfLife, e.BenefitValue, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert time entry: %w", err)
	}
	return nil
}

func (t *postgresTurn) CreateGoal(ctx context.Context, g *domain.Goal) error {
	stamp(&g.ID, &g.CreatedAt)
	if err := t.savepoint(ctx, sqlInsertGoal,
		g.ID, g.StudentID, string(g.Scenario), g.Title, g.Description, g.FiveYearVision, g.Status, g.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (t *postgresTurn) CreateActionPlan(ctx context.Context, p *domain.ActionPlan) error {
	stamp(&p.ID, &p.CreatedAt)
	core, err := encodeJSON(p.CoreTasks, "[]")
	if err != nil {
		return fmt.Errorf("encode core tasks: %w", err)
	}
	support, err := encodeJSON(p.SupportTasks, "[]")
	if err != nil {
		return fmt.Errorf("encode support tasks: %w", err)
	}
	if err := t.savepoint(ctx, sqlInsertActionPlan,
		p.ID, p.StudentID, p.Title, core, support, p.Status, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert action plan: %w", err)
	}
	return nil
}

func (t *postgresTurn) CreateLearningRecord(ctx context.Context, r *domain.LearningRecord) error {
	stamp(&r.ID, &r.CreatedAt)
	if err := t.savepoint(ctx, sqlInsertLearningRecord,
		r.ID, r.StudentID, r.Module, string(r.Scenario), r.Content, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert learning record: %w", err)
	}
	return nil
}

func (t *postgresTurn) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	phaseContext, err := encodeJSON(c.PhaseContext, "{}")
	if err != nil {
		return fmt.Errorf("encode phase context: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	tag, err := t.tx.Exec(ctx, sqlUpdateConversation,
		c.Title, c.CurrentPhase, phaseContext, string(c.Status), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s not found", c.ID)
	}
	return nil
}

func (t *postgresTurn) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	return insertPostgresMessage(ctx, t.tx, m)
}
