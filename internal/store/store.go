// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/jingjin/internal/dispatch"
	"github.com/ashureev/jingjin/internal/domain"
)

// Repository defines the interface for persisting students, conversations,
// messages, and the records produced during a journey.
//
// Lookups return nil, nil when the row does not exist.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// Migrate creates any missing tables and indexes.
	Migrate(ctx context.Context) error

	CreateStudent(ctx context.Context, s *domain.Student) error
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
	UpdateStudent(ctx context.Context, s *domain.Student) error

	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation returns the conversation only if it belongs to studentID.
	GetConversation(ctx context.Context, studentID, convID string) (*domain.Conversation, error)

	// ListConversations returns the student's conversations, most recently updated first.
	ListConversations(ctx context.Context, studentID string) ([]*domain.Conversation, error)

	// ListMessages returns the last limit messages in chronological order.
	// A non-positive limit returns every message.
	ListMessages(ctx context.Context, convID string, limit int) ([]*domain.ChatMessage, error)

	CountMessages(ctx context.Context, convID string) (int, error)

	// AppendMessage stores a message outside any turn transaction.
	AppendMessage(ctx context.Context, m *domain.ChatMessage) error

	// CommitTurn runs fn inside one transaction and commits it. fn may be
	// invoked more than once when the backend reports a conflict, so it must
	// not mutate state it cannot rebuild.
	CommitTurn(ctx context.Context, fn func(TurnTx) error) error

	ListRecords(ctx context.Context, studentID string) (*domain.Records, error)

	// ArchiveStale archives active conversations last updated before the cutoff.
	ArchiveStale(ctx context.Context, before time.Time) (int64, error)
}

// TurnTx is the write surface available while finalizing a turn. A failed
// record write is rolled back on its own and leaves the rest of the
// transaction usable.
type TurnTx interface {
	dispatch.RecordWriter

	// UpdateConversation writes the phase, phase context, status, and title.
	// c.UpdatedAt is stored as given; a zero value is stamped with the current time.
	UpdateConversation(ctx context.Context, c *domain.Conversation) error

	AppendMessage(ctx context.Context, m *domain.ChatMessage) error
}

var (
	_ Repository = (*SQLiteStore)(nil)
	_ Repository = (*PostgresStore)(nil)
)
