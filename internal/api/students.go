package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/identity"
)

// CreateStudent handles POST /api/students.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var s domain.Student
	if !h.decodeBody(w, r, &s) {
		return
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	s.ID = ""

	if err := h.repo.CreateStudent(r.Context(), &s); err != nil {
		h.logger.Error("Failed to create student", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create student")
		return
	}

	h.logger.Info("Student created", "student_id", s.ID)
	JSON(w, http.StatusCreated, s)
}

// GetStudent handles GET /api/students/{studentID}.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, identity.StudentFromContext(r.Context()))
}

// UpdateStudent handles PUT /api/students/{studentID}. Fields absent from the
// body keep their stored values.
func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	current := identity.StudentFromContext(r.Context())
	updated := *current
	if !h.decodeBody(w, r, &updated) {
		return
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	if strings.TrimSpace(updated.Name) == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.repo.UpdateStudent(r.Context(), &updated); err != nil {
		h.logger.Error("Failed to update student", "error", err, "student_id", current.ID)
		Error(w, http.StatusInternalServerError, "failed to update student")
		return
	}
	JSON(w, http.StatusOK, updated)
}

// ListRecords handles GET /api/students/{studentID}/records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	records, err := h.repo.ListRecords(r.Context(), studentID)
	if err != nil {
		h.logger.Error("Failed to list records", "error", err, "student_id", studentID)
		Error(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	JSON(w, http.StatusOK, records)
}
