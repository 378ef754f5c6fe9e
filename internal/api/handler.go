// Package api provides HTTP handlers for the jingjin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/jingjin/internal/identity"
	"github.com/ashureev/jingjin/internal/journey"
	"github.com/ashureev/jingjin/internal/phase"
	"github.com/ashureev/jingjin/internal/session"
	"github.com/ashureev/jingjin/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Turns runs conversation turns.
type Turns interface {
	Chat(ctx context.Context, req session.ChatRequest) iter.Seq[session.Event]
	Start(ctx context.Context, req session.StartRequest) iter.Seq[session.Event]
	Skip(ctx context.Context, studentID, convID string) (session.SkipResult, error)
}

// Options tunes the HTTP layer.
type Options struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	// AllowedOrigins restricts WebSocket upgrades. "*" accepts any origin.
	AllowedOrigins []string
}

// Handler serves the REST, SSE, and WebSocket endpoints.
type Handler struct {
	repo    store.Repository
	turns   Turns
	phases  *phase.Registry
	limiter *RateLimiter
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a handler. limiter may be nil to disable throttling.
func NewHandler(repo store.Repository, turns Turns, phases *phase.Registry, limiter *RateLimiter, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		turns:   turns,
		phases:  phases,
		limiter: limiter,
		opts:    opts,
		logger:  logger,
	}
}

// RegisterRoutes mounts the API under /api and the WebSocket endpoint under /ws.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/phases", h.ListPhases)
		r.Post("/students", h.CreateStudent)

		r.Route("/students/{"+identity.StudentParam+"}", func(r chi.Router) {
			r.Use(identity.Middleware(h.repo))
			r.Get("/", h.GetStudent)
			r.Put("/", h.UpdateStudent)
			r.Get("/records", h.ListRecords)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", h.CreateConversation)
				r.Get("/", h.ListConversations)
				r.Get("/{convID}", h.GetConversation)
				r.Post("/{convID}/start", h.StartConversation)
				r.Post("/{convID}/chat", h.Chat)
				r.Post("/{convID}/skip-phase", h.SkipPhase)
			})
		})
	})

	r.With(identity.Middleware(h.repo)).
		Get("/ws/students/{"+identity.StudentParam+"}/conversations/{convID}", h.ServeWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTurnInProgress),
		errors.Is(err, session.ErrConversationClosed),
		errors.Is(err, session.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the text shown to clients for err. Internal failures
// are not described.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, journey.ErrTerminalPhase):
		return journey.ErrTerminalPhase.Error()
	case session.IsRejection(err):
		return err.Error()
	default:
		return "internal error"
	}
}

// decodeBody reads a size-limited JSON body into dst and writes the error
// response itself when it fails.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
