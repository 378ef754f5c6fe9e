package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jingjin/internal/domain"
	"github.com/ashureev/jingjin/internal/identity"
	"github.com/ashureev/jingjin/internal/journey"
	"github.com/ashureev/jingjin/internal/marker"
	"github.com/ashureev/jingjin/internal/session"
)

type phaseView struct {
	Key         string `json:"key"`
	Order       int    `json:"order"`
	Name        string `json:"name"`
	BookChapter string `json:"book_chapter"`
	Goal        string `json:"goal"`
}

type createConversationRequest struct {
	Title    string          `json:"title"`
	Scenario domain.Scenario `json:"scenario"`
}

type conversationDetail struct {
	*domain.Conversation
	Messages []*domain.ChatMessage `json:"messages"`
}

type skipResponse struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	NewPhase  string `json:"new_phase,omitempty"`
	PhaseName string `json:"phase_name,omitempty"`
	*session.State
}

// ListPhases handles GET /api/phases.
func (h *Handler) ListPhases(w http.ResponseWriter, _ *http.Request) {
	phases := h.phases.Phases()
	out := make([]phaseView, 0, len(phases))
	for _, p := range phases {
		out = append(out, phaseView{
			Key:         p.Key,
			Order:       p.Order,
			Name:        p.Name,
			BookChapter: p.BookChapter,
			Goal:        p.Goal,
		})
	}
	JSON(w, http.StatusOK, out)
}

// CreateConversation handles POST /api/students/{studentID}/conversations.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if !req.Scenario.Valid() {
		Error(w, http.StatusBadRequest, "invalid scenario")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = domain.DefaultConversationTitle
	}

	conv := &domain.Conversation{
		StudentID:    identity.StudentIDFromContext(r.Context()),
		Title:        title,
		Scenario:     req.Scenario,
		CurrentPhase: h.phases.First(),
		PhaseContext: domain.PhaseContext{},
		Status:       domain.StatusActive,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		h.logger.Error("Failed to create conversation", "error", err, "student_id", conv.StudentID)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	h.logger.Info("Conversation created",
		"student_id", conv.StudentID,
		"conversation_id", conv.ID,
		"scenario", conv.Scenario,
	)
	JSON(w, http.StatusCreated, conv)
}

// ListConversations handles GET /api/students/{studentID}/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	convs, err := h.repo.ListConversations(r.Context(), studentID)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err, "student_id", studentID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	JSON(w, http.StatusOK, convs)
}

// GetConversation handles GET /api/students/{studentID}/conversations/{convID}.
// Assistant messages are returned with their directives removed.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	convID := chi.URLParam(r, "convID")

	conv, err := h.repo.GetConversation(r.Context(), studentID, convID)
	if err != nil {
		h.logger.Error("Failed to load conversation", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), conv.ID, 0)
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err, "conversation_id", convID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			m.Content = marker.Strip(m.Content)
		}
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, conversationDetail{Conversation: conv, Messages: msgs})
}

// SkipPhase handles POST /api/students/{studentID}/conversations/{convID}/skip-phase.
// Skipping the last phase is reported in the body rather than as an HTTP error.
func (h *Handler) SkipPhase(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	convID := chi.URLParam(r, "convID")

	res, err := h.turns.Skip(r.Context(), studentID, convID)
	if errors.Is(err, journey.ErrTerminalPhase) {
		JSON(w, http.StatusOK, skipResponse{OK: false, Message: journey.ErrTerminalPhase.Error()})
		return
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to skip phase", "error", err, "conversation_id", convID)
		}
		Error(w, status, errorMessage(err))
		return
	}

	JSON(w, http.StatusOK, skipResponse{
		OK:        true,
		NewPhase:  res.NewPhase,
		PhaseName: res.PhaseName,
		State:     res.State,
	})
}
