package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/jingjin/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		grade TEXT,
		school TEXT,
		target_direction TEXT,
		personality TEXT,
		learning_style TEXT,
		ability_profile TEXT NOT NULL DEFAULT '{}',
		interests TEXT NOT NULL DEFAULT '[]',
		feedback_summaries TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		title TEXT NOT NULL,
		scenario TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		phase_context TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_student ON conversations(student_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		phase_at_time TEXT NOT NULL,
		action_metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		activity TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		half_life TEXT NOT NULL,
		benefit_value INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		scenario TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		five_year_vision TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_plans (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		title TEXT NOT NULL,
		core_tasks TEXT NOT NULL DEFAULT '[]',
		support_tasks TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_records (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		module TEXT NOT NULL,
		scenario TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateStudent inserts a student, assigning an ID when empty.
func (s *SQLiteStore) CreateStudent(ctx context.Context, st *domain.Student) error {
	stamp(&st.ID, &st.CreatedAt)
	st.UpdatedAt = st.CreatedAt
	cols, err := encodeStudent(st)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO students (id, name, grade, school, target_direction, personality, learning_style,
		ability_profile, interests, feedback_summaries, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		st.ID, st.Name, st.Grade, st.School, st.TargetDirection, st.Personality, st.LearningStyle,
		cols.abilityProfile, cols.interests, cols.feedback,
		st.CreatedAt.Unix(), st.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

// GetStudent retrieves a student by ID.
func (s *SQLiteStore) GetStudent(ctx context.Context, id string) (*domain.Student, error) {
	query := `
		SELECT id, name, grade, school, target_direction, personality, learning_style,
		       ability_profile, interests, feedback_summaries, created_at, updated_at
		FROM students WHERE id = ?`

	var st domain.Student
	var grade, school, target, personality, style sql.NullString
	var abilityProfile, interests, feedback string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&st.ID, &st.Name, &grade, &school, &target, &personality, &style,
		&abilityProfile, &interests, &feedback, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan student row: %w", err)
	}

	st.Grade = grade.String
	st.School = school.String
	st.TargetDirection = target.String
	st.Personality = personality.String
	st.LearningStyle = style.String
	st.CreatedAt = time.Unix(createdAt, 0)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	if err := decodeStudent(&st, []byte(abilityProfile), []byte(interests), []byte(feedback)); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateStudent overwrites the student's profile fields.
func (s *SQLiteStore) UpdateStudent(ctx context.Context, st *domain.Student) error {
	cols, err := encodeStudent(st)
	if err != nil {
		return err
	}
	st.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE students SET name = ?, grade = ?, school = ?, target_direction = ?, personality = ?,
		learning_style = ?, ability_profile = ?, interests = ?, feedback_summaries = ?, updated_at = ?
	WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		st.Name, st.Grade, st.School, st.TargetDirection, st.Personality, st.LearningStyle,
		cols.abilityProfile, cols.interests, cols.feedback, st.UpdatedAt.Unix(), st.ID,
	)
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("student %s not found", st.ID)
	}
	return nil
}

// CreateConversation inserts a conversation, assigning an ID when empty.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	stamp(&c.ID, &c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	phaseContext, err := encodeJSON(c.PhaseContext, "{}")
	if err != nil {
		return fmt.Errorf("encode phase context: %w", err)
	}

	query := `
	INSERT INTO conversations (id, student_id, title, scenario, current_phase, phase_context, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.StudentID, c.Title, string(c.Scenario), c.CurrentPhase, phaseContext,
		string(c.Status), c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, student_id, title, scenario, current_phase, phase_context, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var scenario, status, phaseContext string
	var createdAt, updatedAt int64

	if err := row.Scan(&c.ID, &c.StudentID, &c.Title, &scenario, &c.CurrentPhase,
		&phaseContext, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Scenario = domain.Scenario(scenario)
	c.Status = domain.ConversationStatus(status)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	c.PhaseContext = domain.PhaseContext{}
	if err := decodeJSON([]byte(phaseContext), &c.PhaseContext); err != nil {
		return nil, fmt.Errorf("decode phase context: %w", err)
	}
	return &c, nil
}

// GetConversation retrieves a conversation owned by studentID.
func (s *SQLiteStore) GetConversation(ctx context.Context, studentID, convID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ? AND student_id = ?`
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx, query, convID, studentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return c, nil
}

// ListConversations returns the student's conversations, newest activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, studentID string) ([]*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE student_id = ? ORDER BY updated_at DESC, rowid DESC`
	rows, err := s.db.QueryContext(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer s.closeRows(rows, "conversations")

	convs := []*domain.Conversation{}
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
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
func (s *SQLiteStore) ListMessages(ctx context.Context, convID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, conversation_id, role, content, phase_at_time, action_metadata, created_at FROM (
			SELECT id, conversation_id, role, content, phase_at_time, action_metadata, created_at, rowid AS seq
			FROM chat_messages WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer s.closeRows(rows, "messages")

	msgs := []*domain.ChatMessage{}
	for rows.Next() {
		var m domain.ChatMessage
		var role string
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.PhaseAtTime, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = time.Unix(createdAt, 0)
		if metadata.Valid {
			if m.ActionMetadata, err = decodeMetadata([]byte(metadata.String)); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of stored messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`, convID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// AppendMessage stores a message outside a turn transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	return withRetry(ctx, s.logger, func() error {
		return insertSQLiteMessage(ctx, s.db, m)
	})
}

func insertSQLiteMessage(ctx context.Context, ex execer, m *domain.ChatMessage) error {
	stamp(&m.ID, &m.CreatedAt)
	metadata, err := encodeMetadata(m.ActionMetadata)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO chat_messages (id, conversation_id, role, content, phase_at_time, action_metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, query,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.PhaseAtTime, metadata, m.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CommitTurn runs fn in a transaction, replaying it on SQLITE_BUSY.
func (s *SQLiteStore) CommitTurn(ctx context.Context, fn func(TurnTx) error) error {
	return withRetry(ctx, s.logger, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin turn transaction: %w", err)
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Failed to rollback turn transaction", "error", rbErr)
			}
		}()

		if err := fn(&sqliteTurn{tx: tx, logger: s.logger}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit turn transaction: %w", err)
		}
		return nil
	})
}

// ListRecords returns every record a student owns, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, studentID string) (*domain.Records, error) {
	recs := &domain.Records{
		TimeEntries:     []*domain.TimeEntry{},
		Goals:           []*domain.Goal{},
		ActionPlans:     []*domain.ActionPlan{},
		LearningRecords: []*domain.LearningRecord{},
	}

	if err := s.eachRow(ctx, "time entries",
		`SELECT id, student_id, activity, duration_minutes, half_life, benefit_value, created_at
		 FROM time_entries WHERE student_id = ? ORDER BY created_at, rowid`, studentID,
		func(rows *sql.Rows) error {
			var e domain.TimeEntry
			var createdAt int64
			if err := rows.Scan(&e.ID, &e.StudentID, &e.Activity, &e.DurationMinutes, &e.HalfLife, &e.BenefitValue, &createdAt); err != nil {
				return err
			}
			e.CreatedAt = time.Unix(createdAt, 0)
			recs.TimeEntries = append(recs.TimeEntries, &e)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.eachRow(ctx, "goals",
		`SELECT id, student_id, scenario, title, description, five_year_vision, status, created_at
		 FROM goals WHERE student_id = ? ORDER BY created_at, rowid`, studentID,
		func(rows *sql.Rows) error {
			var g domain.Goal
			var scenario string
			var description, vision sql.NullString
			var createdAt int64
			if err := rows.Scan(&g.ID, &g.StudentID, &scenario, &g.Title, &description, &vision, &g.Status, &createdAt); err != nil {
				return err
			}
			g.Scenario = domain.Scenario(scenario)
			g.Description = description.String
			g.FiveYearVision = vision.String
			g.CreatedAt = time.Unix(createdAt, 0)
			recs.Goals = append(recs.Goals, &g)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.eachRow(ctx, "action plans",
		`SELECT id, student_id, title, core_tasks, support_tasks, status, created_at
		 FROM action_plans WHERE student_id = ? ORDER BY created_at, rowid`, studentID,
		func(rows *sql.Rows) error {
			var p domain.ActionPlan
			var core, support string
			var createdAt int64
			if err := rows.Scan(&p.ID, &p.StudentID, &p.Title, &core, &support, &p.Status, &createdAt); err != nil {
				return err
			}
			if err := decodeJSON([]byte(core), &p.CoreTasks); err != nil {
				return fmt.Errorf("decode core tasks: %w", err)
			}
			if err := decodeJSON([]byte(support), &p.SupportTasks); err != nil {
				return fmt.Errorf("decode support tasks: %w", err)
			}
			p.CreatedAt = time.Unix(createdAt, 0)
			recs.ActionPlans = append(recs.ActionPlans, &p)
			return nil
		}); err != nil {
		return nil, err
	}

	if err := s.eachRow(ctx, "learning records",
		`SELECT id, student_id, module, scenario, content, created_at
		 FROM learning_records WHERE student_id = ? ORDER BY created_at, rowid`, studentID,
		func(rows *sql.Rows) error {
			var r domain.LearningRecord
			var scenario string
			var createdAt int64
			if err := rows.Scan(&r.ID, &r.StudentID, &r.Module, &scenario, &r.Content, &createdAt); err != nil {
				return err
			}
			r.Scenario = domain.Scenario(scenario)
			r.CreatedAt = time.Unix(createdAt, 0)
			recs.LearningRecords = append(recs.LearningRecords, &r)
			return nil
		}); err != nil {
		return nil, err
	}

	return recs, nil
}

func (s *SQLiteStore) eachRow(ctx context.Context, what, query string, arg any, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("query %s: %w", what, err)
	}
	defer s.closeRows(rows, what)

	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("scan %s row: %w", what, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return nil
}

// ArchiveStale archives active conversations idle since before.
func (s *SQLiteStore) ArchiveStale(ctx context.Context, before time.Time) (int64, error) {
	query := `UPDATE conversations SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StatusArchived), time.Now().Unix(), string(domain.StatusActive), before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("archive stale conversations: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", "query", what, "error", err)
	}
}

// sqliteTurn implements TurnTx over an open transaction.
type sqliteTurn struct {
	tx     *sql.Tx
	logger *slog.Logger
}

// savepoint runs write so that its failure rolls back only its own changes.
func (t *sqliteTurn) savepoint(ctx context.Context, write func() error) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT record_write`); err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	if err := write(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT record_write`); rbErr != nil {
			t.logger.Error("Failed to roll back record savepoint", "error", rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT record_write`); relErr != nil {
			t.logger.Error("Failed to release record savepoint", "error", relErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT record_write`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *sqliteTurn) CreateTimeEntry(ctx context.Context, e *domain.TimeEntry) error {
	stamp(&e.ID, &e.CreatedAt)
	return t.savepoint(ctx, func() error {
		query := `
		INSERT INTO time_entries (id, student_id, activity, duration_minutes, half_life, benefit_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
		if _, err := t.tx.ExecContext(ctx, query,
			e.ID, e.StudentID, e.Activity, e.DurationMinutes, e.HalfLife, e.BenefitValue, e.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert time entry: %w", err)
		}
		return nil
	})
}

func (t *sqliteTurn) CreateGoal(ctx context.Context, g *domain.Goal) error {
	stamp(&g.ID, &g.CreatedAt)
	return t.savepoint(ctx, func() error {
		query := `
		INSERT INTO goals (id, student_id, scenario, title, description, five_year_vision, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := t.tx.ExecContext(ctx, query,
			g.ID, g.StudentID, string(g.Scenario), g.Title, g.Description, g.FiveYearVision, g.Status, g.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		return nil
	})
}

func (t *sqliteTurn) CreateActionPlan(ctx context.Context, p *domain.ActionPlan) error {
	stamp(&p.ID, &p.CreatedAt)
	core, err := encodeJSON(p.CoreTasks, "[]")
	if err != nil {
		return fmt.Errorf("encode core tasks: %w", err)
	}
	support, err := encodeJSON(p.SupportTasks, "[]")
	if err != nil {
		return fmt.Errorf("encode support tasks: %w", err)
	}
	return t.savepoint(ctx, func() error {
		query := `
		INSERT INTO action_plans (id, student_id, title, core_tasks, support_tasks, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
		if _, err := t.tx.ExecContext(ctx, query,
			p.ID, p.StudentID, p.Title, core, support, p.Status, p.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert action plan: %w", err)
		}
		return nil
	})
}

func (t *sqliteTurn) CreateLearningRecord(ctx context.Context, r *domain.LearningRecord) error {
	stamp(&r.ID, &r.CreatedAt)
	return t.savepoint(ctx, func() error {
		query := `
		INSERT INTO learning_records (id, student_id, module, scenario, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := t.tx.ExecContext(ctx, query,
			r.ID, r.StudentID, r.Module, string(r.Scenario), r.Content, r.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert learning record: %w", err)
		}
		return nil
	})
}

func (t *sqliteTurn) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	phaseContext, err := encodeJSON(c.PhaseContext, "{}")
	if err != nil {
		return fmt.Errorf("encode phase context: %w", err)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	query := `
	UPDATE conversations SET title = ?, current_phase = ?, phase_context = ?, status = ?, updated_at = ?
	WHERE id = ?`
	result, err := t.tx.ExecContext(ctx, query,
		c.Title, c.CurrentPhase, phaseContext, string(c.Status), c.UpdatedAt.Unix(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s not found", c.ID)
	}
	return nil
}

func (t *sqliteTurn) AppendMessage(ctx context.Context, m *domain.ChatMessage) error {
	return insertSQLiteMessage(ctx, t.tx, m)
}
