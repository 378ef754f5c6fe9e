package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/jingjin/internal/domain"
)

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"deepseek-chat","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", content)
}

type capturedRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newCompletionServer(t *testing.T, chunks []string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = io.WriteString(w, sseChunk(c))
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, src Source, p Prompt) ([]string, error) {
	t.Helper()
	var frags []string
	for frag, err := range src.Stream(context.Background(), p) {
		if err != nil {
			return frags, err
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

func TestOpenAIStreamYieldsDeltas(t *testing.T) {
	var req capturedRequest
	srv := newCompletionServer(t, []string{"你好", "", "，同學"}, &req)
	defer srv.Close()

	src := NewOpenAI(OpenAIConfig{
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
		Model:       "deepseek-chat",
		Temperature: 0.7,
		MaxTokens:   2000,
		Timeout:     5 * time.Second,
	}, nil)

	frags, err := collect(t, src, Prompt{
		System: "system prompt",
		Messages: []Message{
			{Role: domain.RoleUser, Content: "q1"},
			{Role: domain.RoleAssistant, Content: "a1"},
			{Role: domain.RoleUser, Content: "q2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"你好", "，同學"}, frags)

	assert.Equal(t, "deepseek-chat", req.Model)
	assert.True(t, req.Stream)
	assert.InDelta(t, 0.7, req.Temperature, 1e-9)
	assert.Equal(t, 2000, req.MaxTokens)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "system prompt", req.Messages[0].Content)
	assert.Equal(t, "assistant", req.Messages[2].Role)
	assert.Equal(t, "q2", req.Messages[3].Content)
}

func TestOpenAIStreamReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"auth"}}`)
	}))
	defer srv.Close()

	src := NewOpenAI(OpenAIConfig{APIKey: "sk-bad", BaseURL: srv.URL, Model: "deepseek-chat"}, nil)

	frags, err := collect(t, src, Prompt{Messages: []Message{{Role: domain.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Empty(t, frags)
	assert.Contains(t, err.Error(), "chat completion stream")
}

func TestOpenAIStreamStopsWhenConsumerStops(t *testing.T) {
	srv := newCompletionServer(t, []string{"a", "b", "c"}, nil)
	defer srv.Close()

	src := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "m"}, nil)

	var got []string
	for frag, err := range src.Stream(context.Background(), Prompt{}) {
		require.NoError(t, err)
		got = append(got, frag)
		break
	}
	assert.Equal(t, []string{"a"}, got)
}
