package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/url"
	"slices"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/jingjin/internal/identity"
	"github.com/ashureev/jingjin/internal/session"
)

const channelWS = "ws"

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsFrame is a server frame.
type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	*session.State
}

// ServeWebSocket runs turns for one conversation over a WebSocket. Frames are
// handled one at a time; a client frame sent mid-turn waits for the turn to end.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	studentID := identity.StudentIDFromContext(r.Context())
	convID := chi.URLParam(r, "convID")

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "student_id", studentID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "student_id", studentID)
		}
	}()

	h.logger.Info("WebSocket connected", "student_id", studentID, "conversation_id", convID)
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "student_id", studentID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "student_id", studentID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !h.writeWS(ctx, ws, wsFrame{Type: "error", Error: "invalid message"}) {
				return
			}
			continue
		}

		var events iter.Seq[session.Event]
		switch msg.Type {
		case "chat":
			events = h.turns.Chat(ctx, session.ChatRequest{
				StudentID:      studentID,
				ConversationID: convID,
				Message:        msg.Content,
				Channel:        channelWS,
				RequestID:      reqID,
			})
		case "start":
			events = h.turns.Start(ctx, session.StartRequest{
				StudentID:      studentID,
				ConversationID: convID,
				Channel:        channelWS,
				RequestID:      reqID,
			})
		case "ping":
			if !h.writeWS(ctx, ws, wsFrame{Type: "pong"}) {
				return
			}
			continue
		default:
			if !h.writeWS(ctx, ws, wsFrame{Type: "error", Error: "unknown message type"}) {
				return
			}
			continue
		}

		if !h.allow(studentID) {
			if !h.writeWS(ctx, ws, wsFrame{Type: "error", Error: "rate limit exceeded"}) ||
				!h.writeWS(ctx, ws, wsFrame{Type: "done"}) {
				return
			}
			continue
		}

		if !h.relayTurn(ctx, ws, events, convID) {
			return
		}
	}
}

// relayTurn forwards one turn to the socket. It reports false when the socket
// can no longer be written, which detaches the turn.
func (h *Handler) relayTurn(ctx context.Context, ws *websocket.Conn, events iter.Seq[session.Event], convID string) bool {
	for ev := range events {
		var frame wsFrame
		switch ev.Kind {
		case session.EventAccepted:
			continue
		case session.EventFragment:
			frame = wsFrame{Type: "content", Content: ev.Text}
		case session.EventState:
			frame = wsFrame{Type: "state_update", State: ev.State}
		case session.EventError:
			if statusFor(ev.Err) == http.StatusInternalServerError {
				h.logger.Error("Turn failed", "error", ev.Err, "conversation_id", convID)
			}
			frame = wsFrame{Type: "error", Error: errorMessage(ev.Err)}
		case session.EventDone:
			frame = wsFrame{Type: "done"}
		}
		if !h.writeWS(ctx, ws, frame) {
			return false
		}
	}
	return true
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal websocket frame", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("failed to write websocket frame", "error", err)
		return false
	}
	return true
}

// acceptOptions turns the configured origins into host patterns.
func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	if len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(h.opts.AllowedOrigins))
	for _, origin := range h.opts.AllowedOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
