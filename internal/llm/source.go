// Package llm streams completions from a chat model as text fragments.
package llm

import (
	"context"
	"iter"

	"github.com/ashureev/jingjin/internal/domain"
)

// Message is one prior turn sent to the model.
type Message struct {
	Role    domain.Role
	Content string
}

// Prompt is a fully assembled model request.
type Prompt struct {
	System   string
	Messages []Message
}

// Source produces a completion as a finite sequence of non-empty fragments.
// The sequence ends after yielding an error, and stops early when the
// consumer stops ranging or ctx is canceled.
type Source interface {
	Stream(ctx context.Context, p Prompt) iter.Seq2[string, error]
	Close() error
}
