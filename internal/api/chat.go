package api

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/jingjin/internal/identity"
	"github.com/ashureev/jingjin/internal/session"
)

const channelHTTP = "chat_http"

type chatRequest struct {
	Message string `json:"message"`
}

type contentFrame struct {
	Content string `json:"content"`
}

type stateFrame struct {
	Type string `json:"type"`
	*session.State
}

type errorFrame struct {
	Error string `json:"error"`
}

// Chat handles POST .../conversations/{convID}/chat and streams the reply as SSE.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	if !h.allow(studentID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req chatRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	convID := chi.URLParam(r, "convID")
	events := h.turns.Chat(r.Context(), session.ChatRequest{
		StudentID:      studentID,
		ConversationID: convID,
		Message:        req.Message,
		Channel:        channelHTTP,
		RequestID:      middleware.GetReqID(r.Context()),
	})
	h.streamSSE(w, r, events, convID)
}

// StartConversation handles POST .../conversations/{convID}/start. It streams
// the opening message of a conversation that has no messages yet.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	if !h.allow(studentID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	convID := chi.URLParam(r, "convID")
	events := h.turns.Start(r.Context(), session.StartRequest{
		StudentID:      studentID,
		ConversationID: convID,
		Channel:        channelHTTP,
		RequestID:      middleware.GetReqID(r.Context()),
	})
	h.streamSSE(w, r, events, convID)
}

func (h *Handler) allow(studentID string) bool {
	return h.limiter == nil || h.limiter.Allow(studentID)
}

// streamSSE writes a turn as SSE. Headers are sent when the turn is accepted,
// so rejections still get a plain JSON error and status code. A keepalive
// comment is written while the model is silent.
//
//nolint:gocognit // SSE lifecycle handling keeps branches together.
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, seq iter.Seq[session.Event], convID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	events := make(chan session.Event)
	stop := make(chan struct{})
	go func() {
		defer close(events)
		for ev := range seq {
			select {
			case events <- ev:
			case <-stop:
				return
			}
		}
	}()
	// Leaving the range detaches the turn; draining waits for it to commit.
	defer func() {
		close(stop)
		for range events {
		}
	}()

	keepalive := time.NewTicker(h.opts.KeepaliveInterval)
	defer keepalive.Stop()

	started := false
	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "conversation_id", convID)
			return
		case <-keepalive.C:
			if !started {
				continue
			}
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "conversation_id", convID)
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventAccepted:
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.WriteHeader(http.StatusOK)
				if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.opts.RetryDelay.Milliseconds()); err != nil {
					h.logger.Warn("failed to write SSE retry header", "error", err, "conversation_id", convID)
					return
				}
				flusher.Flush()
				started = true
			case session.EventFragment:
				if !h.writeFrame(w, flusher, contentFrame{Content: ev.Text}, convID) {
					return
				}
			case session.EventState:
				if !h.writeFrame(w, flusher, stateFrame{Type: "state_update", State: ev.State}, convID) {
					return
				}
			case session.EventError:
				status := statusFor(ev.Err)
				if status == http.StatusInternalServerError {
					h.logger.Error("Turn failed", "error", ev.Err, "conversation_id", convID)
				}
				if !started {
					Error(w, status, errorMessage(ev.Err))
					return
				}
				if !h.writeFrame(w, flusher, errorFrame{Error: errorMessage(ev.Err)}, convID) {
					return
				}
			case session.EventDone:
				if started {
					if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
						h.logger.Warn("failed to write SSE done event", "error", err, "conversation_id", convID)
						return
					}
					flusher.Flush()
				}
				return
			}
		}
	}
}

func (h *Handler) writeFrame(w io.Writer, flusher http.Flusher, v any, convID string) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal SSE frame", "error", err, "conversation_id", convID)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		h.logger.Warn("failed to write SSE frame", "error", err, "conversation_id", convID)
		return false
	}
	flusher.Flush()
	return true
}
