package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/metrics"
	"github.com/kensaku-ai/kensaku/internal/persona"
)

// Token budget for the answer-model streaming call.
const answerMaxTokens = 2500

// Synthesizer grounds one streaming completion on the fetched documents
// and forwards the answer to the caller fragment by fragment.
type Synthesizer struct {
	client  llm.Client
	persona string
	logger  *zap.Logger
}

func NewSynthesizer(client llm.Client, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{client: client, persona: persona.Resolve(), logger: logger}
}

// Synthesize streams the answer for utterance grounded on docs, which are
// labeled Document: 1..n in input order. Every fragment is handed to emit
// in arrival order; the returned full text is their exact concatenation.
// A request failure or an emit failure aborts generation and propagates.
func (s *Synthesizer) Synthesize(ctx context.Context, history []string, docs []string, utterance string, emit func(string) error) (string, error) {
	req := llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: buildAnswerPrompt(s.persona, strings.Join(history, "\n"), docs, time.Now())},
			{Role: "user", Content: utterance},
			{Role: "system", Content: answerInstructions},
		},
		MaxTokens: answerMaxTokens,
	}

	start := time.Now()
	full, err := s.client.Stream(ctx, req, emit)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestDuration.WithLabelValues("synthesis", status).Observe(time.Since(start).Seconds())
	return full, err
}
