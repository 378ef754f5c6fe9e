//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/jingjin/internal/journey"
	"github.com/ashureev/jingjin/internal/session"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{session.ErrConversationNotFound, http.StatusNotFound, session.ErrConversationNotFound.Error()},
		{fmt.Errorf("skip phase: %w", session.ErrTurnInProgress), http.StatusConflict, "skip phase: " + session.ErrTurnInProgress.Error()},
		{session.ErrConversationClosed, http.StatusConflict, session.ErrConversationClosed.Error()},
		{session.ErrAlreadyStarted, http.StatusConflict, session.ErrAlreadyStarted.Error()},
		{session.ErrEmptyMessage, http.StatusBadRequest, session.ErrEmptyMessage.Error()},
		{fmt.Errorf("skip phase: %w", journey.ErrTerminalPhase), http.StatusInternalServerError, journey.ErrTerminalPhase.Error()},
		{fmt.Errorf("database is locked"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.status {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
		if got := errorMessage(tt.err); got != tt.message {
			t.Errorf("errorMessage(%v) = %q, want %q", tt.err, got, tt.message)
		}
	}
}

func TestDecodeBodyLimits(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, Options{MaxRequestBodySize: 16}, nil)

	t.Run("too large", func(t *testing.T) {
		body := `{"message":"` + strings.Repeat("x", 64) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		w := httptest.NewRecorder()

		var dst chatRequest
		if h.decodeBody(w, req, &dst) {
			t.Fatal("expected decode to fail")
		}
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", w.Code)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":`))
		w := httptest.NewRecorder()

		var dst chatRequest
		if h.decodeBody(w, req, &dst) {
			t.Fatal("expected decode to fail")
		}
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}
