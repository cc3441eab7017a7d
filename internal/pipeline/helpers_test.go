package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/search"
)

// fakeLLM scripts both completion shapes and records every request.
type fakeLLM struct {
	mu        sync.Mutex
	completes []llm.Request
	streams   []llm.Request
	complete  func(ctx context.Context, req llm.Request) (string, error)
	stream    func(ctx context.Context, req llm.Request, emit func(string) error) (string, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.completes = append(f.completes, req)
	f.mu.Unlock()
	if f.complete == nil {
		return "", fmt.Errorf("no completion scripted")
	}
	return f.complete(ctx, req)
}

func (f *fakeLLM) Stream(ctx context.Context, req llm.Request, emit func(string) error) (string, error) {
	f.mu.Lock()
	f.streams = append(f.streams, req)
	f.mu.Unlock()
	if f.stream == nil {
		return "", fmt.Errorf("no stream scripted")
	}
	return f.stream(ctx, req, emit)
}

func (f *fakeLLM) completedPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := make([]string, 0, len(f.completes))
	for _, req := range f.completes {
		prompts = append(prompts, req.Messages[0].Content)
	}
	return prompts
}

// routeSmallModel answers the rewrite and classification prompts from one
// scripted pair. The classification prompt is recognized by its output
// format instruction.
func routeSmallModel(rewrite, classification string) func(context.Context, llm.Request) (string, error) {
	return func(ctx context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Messages[0].Content, "comma-separated") {
			return classification, nil
		}
		return rewrite, nil
	}
}

// scriptStream emits the given fragments in order and returns their
// concatenation, mirroring the real client's contract.
func scriptStream(fragments ...string) func(context.Context, llm.Request, func(string) error) (string, error) {
	return func(ctx context.Context, req llm.Request, emit func(string) error) (string, error) {
		var full strings.Builder
		for _, fragment := range fragments {
			if err := emit(fragment); err != nil {
				return full.String(), err
			}
			full.WriteString(fragment)
		}
		return full.String(), nil
	}
}

type searchCall struct {
	query      string
	categories []string
}

type fakeSearcher struct {
	mu     sync.Mutex
	calls  []searchCall
	search func(ctx context.Context, query string, categories []string) (search.TopResults, error)
}

func (f *fakeSearcher) Search(ctx context.Context, query string, categories []string) (search.TopResults, error) {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{query: query, categories: append([]string{}, categories...)})
	f.mu.Unlock()
	if f.search == nil {
		return search.TopResults{}, nil
	}
	return f.search(ctx, query, categories)
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls [][]string
	texts func(urls []string) []string
}

func (f *fakeFetcher) FetchAll(ctx context.Context, urls []string) []string {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{}, urls...))
	f.mu.Unlock()
	if f.texts == nil {
		return make([]string, len(urls))
	}
	return f.texts(urls)
}

type recordedEvent struct {
	eventType string
	payload   any
}

// recordingEmitter captures emissions in arrival order and can be told to
// fail specific event types.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
	fail   map[string]error
}

func (e *recordingEmitter) Emit(ctx context.Context, threadID, eventType string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.fail[eventType]; ok {
		return err
	}
	e.events = append(e.events, recordedEvent{eventType: eventType, payload: payload})
	return nil
}

func (e *recordingEmitter) snapshot() []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedEvent{}, e.events...)
}

func (e *recordingEmitter) firstIndex(eventType string) int {
	for i, event := range e.snapshot() {
		if event.eventType == eventType {
			return i
		}
	}
	return -1
}

func (e *recordingEmitter) payloadsOf(eventType string) []any {
	var payloads []any
	for _, event := range e.snapshot() {
		if event.eventType == eventType {
			payloads = append(payloads, event.payload)
		}
	}
	return payloads
}

func testConfig() config.Config {
	return config.Config{
		TopResults:              5,
		HistoryMaxTurns:         8,
		ClassifyTimeoutSeconds:  5,
		SearchTimeoutSeconds:    5,
		FetchTimeoutSeconds:     2,
		SynthesisTimeoutSeconds: 10,
		PersistTimeoutSeconds:   2,
	}
}

const calmClassification = "SEARCH_NEEDED:YES,SEARCH_IMAGE:NO,SEARCH_VIDEO:NO,CONTENT_VIOLATION:NO,MATH:NO"
