package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/metrics"
)

// Token budget for the two fast classification-stage calls.
const classifyMaxTokens = 500

// Classifier turns one user utterance plus prior user turns into an
// EnrichedQuery using two concurrent completions against the small model:
// one rewrites the utterance into a standalone search query, the other
// classifies it into QueryTags.
type Classifier struct {
	client llm.Client
	logger *zap.Logger
}

func NewClassifier(client llm.Client, logger *zap.Logger) *Classifier {
	return &Classifier{client: client, logger: logger}
}

// Classify issues the rewrite and classification requests concurrently and
// joins on both. Either request failing fails the whole call, as does a
// malformed classification response. No retries happen here.
func (c *Classifier) Classify(ctx context.Context, history []string, utterance string) (EnrichedQuery, error) {
	historyText := strings.Join(history, "\n")

	var rewritten, classified string
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		out, err := c.complete(groupCtx, "rewrite", buildRewritePrompt(historyText, utterance))
		if err != nil {
			return fmt.Errorf("query rewrite: %w", err)
		}
		rewritten = out
		return nil
	})
	group.Go(func() error {
		out, err := c.complete(groupCtx, "classify", buildClassificationPrompt(historyText, utterance))
		if err != nil {
			return fmt.Errorf("query classification: %w", err)
		}
		classified = out
		return nil
	})
	if err := group.Wait(); err != nil {
		return EnrichedQuery{}, err
	}

	tags, err := ParseQueryTags(stripQuotes(classified), c.logger)
	if err != nil {
		return EnrichedQuery{}, err
	}
	return EnrichedQuery{SearchQuery: stripQuotes(rewritten), Tags: tags}, nil
}

func (c *Classifier) complete(ctx context.Context, role, prompt string) (string, error) {
	start := time.Now()
	out, err := c.client.Complete(ctx, llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: classifyMaxTokens,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestDuration.WithLabelValues(role, status).Observe(time.Since(start).Seconds())
	return out, err
}

// stripQuotes removes surrounding quote characters the model sometimes
// wraps its output in. Double quotes are stripped before single quotes.
func stripQuotes(s string) string {
	return strings.Trim(strings.Trim(s, `"`), `'`)
}
