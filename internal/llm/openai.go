package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/ashureev/jingjin/internal/domain"
)

// ChatCompletionService is the slice of the OpenAI client the source uses.
type ChatCompletionService interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAISource streams completions from an OpenAI-compatible API.
type OpenAISource struct {
	service ChatCompletionService
	cfg     OpenAIConfig
	logger  *slog.Logger
}

// NewOpenAI creates a source backed by the official client. Retries are
// disabled because a failed turn falls back instead of resending.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAISource {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return NewOpenAIWithService(&client.Chat.Completions, cfg, logger)
}

// NewOpenAIWithService creates a source over an existing completion service.
func NewOpenAIWithService(service ChatCompletionService, cfg OpenAIConfig, logger *slog.Logger) *OpenAISource {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAISource{service: service, cfg: cfg, logger: logger}
}

// Stream requests a streamed completion and yields each content delta.
func (s *OpenAISource) Stream(ctx context.Context, p Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}

		stream := s.service.NewStreaming(ctx, s.params(p))
		if stream == nil {
			yield("", fmt.Errorf("chat completion stream: no stream returned"))
			return
		}
		defer func() {
			if err := stream.Close(); err != nil {
				s.logger.Debug("failed to close completion stream", "error", err)
			}
		}()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("chat completion stream: %w", err))
		}
	}
}

func (s *OpenAISource) params(p Prompt) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(p.Messages)+1)
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	for _, m := range p.Messages {
		switch m.Role {
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.cfg.Model),
		Messages: messages,
	}
	if s.cfg.Temperature > 0 {
		params.Temperature = openai.Float(s.cfg.Temperature)
	}
	if s.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.cfg.MaxTokens))
	}
	return params
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (s *OpenAISource) Close() error {
	return nil
}
