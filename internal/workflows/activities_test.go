package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/search"
	"github.com/kensaku-ai/kensaku/internal/store"
)

type stubStore struct {
	listChatRecordsFunc func(ctx context.Context, threadID string) ([]store.ChatRecord, error)
	saveChatRecordFunc  func(ctx context.Context, record store.ChatRecord) error
	appendEventFunc     func(ctx context.Context, event store.ThreadEvent) error
	nextSeqFunc         func(ctx context.Context, threadID string) (int64, error)
}

func (s *stubStore) CreateThread(ctx context.Context, thread store.Thread) error { return nil }
func (s *stubStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	return nil, nil
}
func (s *stubStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	return nil, nil
}
func (s *stubStore) DeleteThread(ctx context.Context, threadID string) error          { return nil }
func (s *stubStore) SetThreadTitle(ctx context.Context, threadID, title string) error { return nil }
func (s *stubStore) SaveChatRecord(ctx context.Context, record store.ChatRecord) error {
	if s.saveChatRecordFunc != nil {
		return s.saveChatRecordFunc(ctx, record)
	}
	return nil
}
func (s *stubStore) ListChatRecords(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
	if s.listChatRecordsFunc != nil {
		return s.listChatRecordsFunc(ctx, threadID)
	}
	return nil, nil
}
func (s *stubStore) AppendEvent(ctx context.Context, event store.ThreadEvent) error {
	if s.appendEventFunc != nil {
		return s.appendEventFunc(ctx, event)
	}
	return nil
}
func (s *stubStore) ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]store.ThreadEvent, error) {
	return nil, nil
}
func (s *stubStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	if s.nextSeqFunc != nil {
		return s.nextSeqFunc(ctx, threadID)
	}
	return 1, nil
}
func (s *stubStore) Close() error { return nil }

type stubLLM struct {
	complete func(ctx context.Context, req llm.Request) (string, error)
	stream   func(ctx context.Context, req llm.Request, emit func(string) error) (string, error)
}

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	if s.complete == nil {
		return "", errors.New("no completion scripted")
	}
	return s.complete(ctx, req)
}

func (s *stubLLM) Stream(ctx context.Context, req llm.Request, emit func(string) error) (string, error) {
	if s.stream == nil {
		return "", errors.New("no stream scripted")
	}
	return s.stream(ctx, req, emit)
}

type stubSearcher struct {
	results search.TopResults
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string, categories []string) (search.TopResults, error) {
	return s.results, s.err
}

type stubFetcher struct {
	texts []string
}

func (s *stubFetcher) FetchAll(ctx context.Context, urls []string) []string {
	if s.texts != nil {
		return s.texts
	}
	return make([]string, len(urls))
}

type ingestedEvent struct {
	ThreadID  string
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp"`
	TraceID   string          `json:"trace_id"`
	Payload   json.RawMessage `json:"payload"`
}

// eventSink plays the api's ingest endpoint and records everything the
// worker posts to it.
type eventSink struct {
	mu     sync.Mutex
	events []ingestedEvent
	server *httptest.Server
}

func newEventSink(t *testing.T) *eventSink {
	t.Helper()
	sink := &eventSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/events") {
			http.NotFound(w, r)
			return
		}
		var event ingestedEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		event.ThreadID = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/threads/"), "/events")
		sink.mu.Lock()
		sink.events = append(sink.events, event)
		sink.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func (s *eventSink) snapshot() []ingestedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingestedEvent{}, s.events...)
}

func (s *eventSink) typesOf(threadID string) []string {
	var types []string
	for _, event := range s.snapshot() {
		if event.ThreadID == threadID {
			types = append(types, event.Type)
		}
	}
	return types
}

func testTurnConfig(apiURL string) config.Config {
	return config.Config{
		APIURL:                  apiURL,
		TopResults:              5,
		HistoryMaxTurns:         8,
		ClassifyTimeoutSeconds:  5,
		SearchTimeoutSeconds:    5,
		FetchTimeoutSeconds:     2,
		SynthesisTimeoutSeconds: 10,
		PersistTimeoutSeconds:   2,
	}
}

func routedSmall(rewrite, classification string) *stubLLM {
	return &stubLLM{
		complete: func(ctx context.Context, req llm.Request) (string, error) {
			if strings.Contains(req.Messages[0].Content, "comma-separated") {
				return classification, nil
			}
			return rewrite, nil
		},
	}
}

func streamingAnswer(fragments ...string) *stubLLM {
	return &stubLLM{
		stream: func(ctx context.Context, req llm.Request, emit func(string) error) (string, error) {
			var full strings.Builder
			for _, fragment := range fragments {
				if err := emit(fragment); err != nil {
					return full.String(), err
				}
				full.WriteString(fragment)
			}
			return full.String(), nil
		},
	}
}

func TestNewTurnActivities(t *testing.T) {
	activities := NewTurnActivities(testTurnConfig("http://localhost:8080"), &stubStore{}, &stubLLM{}, &stubLLM{}, &stubSearcher{}, &stubFetcher{}, zap.NewNop())
	require.NotNil(t, activities)
}

func TestProcessTurn_RequiresIdentifiers(t *testing.T) {
	activities := NewTurnActivities(testTurnConfig("http://localhost:8080"), &stubStore{}, &stubLLM{}, &stubLLM{}, &stubSearcher{}, &stubFetcher{}, zap.NewNop())

	_, err := activities.ProcessTurn(context.Background(), ProcessTurnInput{Query: "hello"})
	require.Error(t, err)

	_, err = activities.ProcessTurn(context.Background(), ProcessTurnInput{ThreadID: "th-1", Query: "  "})
	require.Error(t, err)
}

func TestProcessTurn_Success(t *testing.T) {
	sink := newEventSink(t)

	var saved store.ChatRecord
	st := &stubStore{
		saveChatRecordFunc: func(ctx context.Context, record store.ChatRecord) error {
			saved = record
			return nil
		},
	}
	searcher := &stubSearcher{results: search.TopResults{General: []store.WebResult{
		{URL: "https://example.com/sky", Title: "Sky", Content: "why the sky is blue"},
		{URL: "https://example.com/light", Title: "Light", Content: "scattering of light"},
	}}}
	small := routedSmall("why is the sky blue", "SEARCH_NEEDED:YES,SEARCH_IMAGE:NO,SEARCH_VIDEO:NO,CONTENT_VIOLATION:NO,MATH:NO")
	answer := streamingAnswer("Because ", "of Rayleigh scattering.")

	activities := NewTurnActivities(testTurnConfig(sink.server.URL), st, small, answer, searcher, &stubFetcher{texts: []string{"doc one", "doc two"}}, zap.NewNop())

	output, err := activities.ProcessTurn(context.Background(), ProcessTurnInput{ThreadID: "th-1", Query: "Why is the sky blue?"})
	require.NoError(t, err)
	require.NotEmpty(t, output.RecordID)
	require.Equal(t, output.RecordID, saved.ID)
	require.Equal(t, "Why is the sky blue?", saved.Query)
	require.Equal(t, "Because of Rayleigh scattering.", saved.Answer)

	types := sink.typesOf("th-1")
	require.Equal(t, "metadata", types[0])
	require.Equal(t, "web_results", types[1])
	require.Equal(t, "done", types[len(types)-1])
	require.Contains(t, types, "medium_results")

	var fragments []string
	for _, event := range sink.snapshot() {
		if event.Type != "answer" {
			continue
		}
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		fragments = append(fragments, payload.Text)
	}
	require.Equal(t, []string{"Because ", "of Rayleigh scattering."}, fragments)
}

func TestProcessTurn_FailurePostsErrorEvent(t *testing.T) {
	sink := newEventSink(t)
	st := &stubStore{
		listChatRecordsFunc: func(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
			return nil, errors.New("records table gone")
		},
	}

	activities := NewTurnActivities(testTurnConfig(sink.server.URL), st, &stubLLM{}, &stubLLM{}, &stubSearcher{}, &stubFetcher{}, zap.NewNop())

	_, err := activities.ProcessTurn(context.Background(), ProcessTurnInput{ThreadID: "th-1", Query: "hello"})
	require.Error(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "error", events[0].Type)
	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Contains(t, payload.Message, "load chat history")
}

func TestHandleTurnFailure(t *testing.T) {
	sink := newEventSink(t)
	activities := NewTurnActivities(testTurnConfig(sink.server.URL), &stubStore{}, &stubLLM{}, &stubLLM{}, &stubSearcher{}, &stubFetcher{}, zap.NewNop())

	err := activities.HandleTurnFailure(context.Background(), TurnFailureInput{ThreadID: "th-1", Error: "turn: boom"})
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "error", events[0].Type)
	require.Equal(t, "worker", events[0].Source)

	err = activities.HandleTurnFailure(context.Background(), TurnFailureInput{Error: "no thread"})
	require.Error(t, err)
}

func TestAPIEmitter_PostsNormalizedEvents(t *testing.T) {
	sink := newEventSink(t)
	emitter := newAPIEmitter(sink.server.URL, &stubStore{}, zap.NewNop())

	err := emitter.Emit(context.Background(), "th-1", "  Web_Results  ", []map[string]any{{"url": "https://example.com"}})
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "web_results", events[0].Type)
	require.Equal(t, "worker", events[0].Source)
	require.NotEmpty(t, events[0].Timestamp)
	_, err = uuid.Parse(events[0].TraceID)
	require.NoError(t, err)
	require.JSONEq(t, `[{"url": "https://example.com"}]`, string(events[0].Payload))
}

func TestAPIEmitter_FallsBackToStoreWhenAPIUnreachable(t *testing.T) {
	t.Run("durable events land in the store", func(t *testing.T) {
		var appended store.ThreadEvent
		st := &stubStore{
			nextSeqFunc: func(ctx context.Context, threadID string) (int64, error) {
				return 7, nil
			},
			appendEventFunc: func(ctx context.Context, event store.ThreadEvent) error {
				appended = event
				return nil
			},
		}
		emitter := newAPIEmitter("http://127.0.0.1:1", st, zap.NewNop())

		err := emitter.Emit(context.Background(), "th-1", "metadata", map[string]any{"has_math": true})
		require.NoError(t, err)
		require.Equal(t, int64(7), appended.Seq)
		require.Equal(t, "metadata", appended.Type)
		require.Equal(t, "worker", appended.Source)
		require.NotEmpty(t, appended.TraceID)
	})

	t.Run("answer fragments are dropped", func(t *testing.T) {
		touched := false
		st := &stubStore{
			nextSeqFunc: func(ctx context.Context, threadID string) (int64, error) {
				touched = true
				return 1, nil
			},
			appendEventFunc: func(ctx context.Context, event store.ThreadEvent) error {
				touched = true
				return nil
			},
		}
		emitter := newAPIEmitter("http://127.0.0.1:1", st, zap.NewNop())

		err := emitter.Emit(context.Background(), "th-1", "answer", map[string]any{"text": "lost"})
		require.NoError(t, err)
		require.False(t, touched)
	})

	t.Run("seq failure surfaces", func(t *testing.T) {
		st := &stubStore{
			nextSeqFunc: func(ctx context.Context, threadID string) (int64, error) {
				return 0, errors.New("seq down")
			},
		}
		emitter := newAPIEmitter("http://127.0.0.1:1", st, zap.NewNop())

		err := emitter.Emit(context.Background(), "th-1", "metadata", nil)
		require.Error(t, err)
	})
}
