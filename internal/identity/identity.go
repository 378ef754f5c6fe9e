// Package identity resolves the student a request acts for.
package identity

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jingjin/internal/domain"
)

// StudentParam is the route parameter holding the student ID.
const StudentParam = "studentID"

type contextKey int

const studentKey contextKey = iota

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// StudentLookup loads a student, returning nil, nil when none exists.
type StudentLookup interface {
	GetStudent(ctx context.Context, id string) (*domain.Student, error)
}

// StudentFromContext returns the student resolved by Middleware.
func StudentFromContext(ctx context.Context) *domain.Student {
	if s, ok := ctx.Value(studentKey).(*domain.Student); ok {
		return s
	}
	return nil
}

// StudentIDFromContext returns the resolved student's ID, or "".
func StudentIDFromContext(ctx context.Context) string {
	if s := StudentFromContext(ctx); s != nil {
		return s.ID
	}
	return ""
}

// WithStudent returns a context carrying s.
func WithStudent(ctx context.Context, s *domain.Student) context.Context {
	return context.WithValue(ctx, studentKey, s)
}

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Middleware loads the student named by the route and rejects the request
// when the ID is malformed or unknown.
func Middleware(repo StudentLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, StudentParam)
			if !ValidID(id) {
				http.Error(w, `{"error":"invalid student id"}`, http.StatusBadRequest)
				return
			}

			student, err := repo.GetStudent(r.Context(), id)
			if err != nil {
				slog.Error("Failed to resolve student", "error", err, "student_id", id)
				http.Error(w, `{"error":"failed to load student"}`, http.StatusInternalServerError)
				return
			}
			if student == nil {
				http.Error(w, `{"error":"student not found"}`, http.StatusNotFound)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithStudent(r.Context(), student)))
		})
	}
}
