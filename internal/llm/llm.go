package llm

import (
	"context"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Temperature is sent as-is (zero is a
// meaningful value); MaxTokens of zero means the provider default.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client issues chat completions against one configured model. Complete
// returns the full text; Stream delivers fragments to emit as they arrive
// and returns the full concatenation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, emit func(fragment string) error) (string, error)
}

type Config struct {
	Model   string
	BaseURL string
	APIKey  string
}
