package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/llm"
	"github.com/kensaku-ai/kensaku/internal/pipeline"
	"github.com/kensaku-ai/kensaku/internal/store"
)

type ProcessTurnInput struct {
	ThreadID string
	Query    string
}

type ProcessTurnOutput struct {
	RecordID string `json:"record_id"`
}

type TurnFailureInput struct {
	ThreadID string
	Error    string
}

// TurnActivities holds the worker-side collaborators for resolving
// turns. One instance is registered per worker process; every activity
// invocation shares the same orchestrator and emitter.
type TurnActivities struct {
	cfg          config.Config
	store        store.Store
	orchestrator *pipeline.Orchestrator
	emitter      pipeline.Emitter
	logger       *zap.Logger
}

func NewTurnActivities(cfg config.Config, st store.Store, small llm.Client, answer llm.Client, searcher pipeline.Searcher, fetcher pipeline.Fetcher, logger *zap.Logger) *TurnActivities {
	emitter := newAPIEmitter(cfg.APIURL, st, logger)
	classifier := pipeline.NewClassifier(small, logger)
	synthesizer := pipeline.NewSynthesizer(answer, logger)
	orchestrator := pipeline.NewOrchestrator(cfg, st, searcher, fetcher, classifier, synthesizer, emitter, logger)
	return &TurnActivities{
		cfg:          cfg,
		store:        st,
		orchestrator: orchestrator,
		emitter:      emitter,
		logger:       logger,
	}
}

// ProcessTurn resolves one user query end to end and returns the id of
// the persisted chat record.
func (a *TurnActivities) ProcessTurn(ctx context.Context, input ProcessTurnInput) (ProcessTurnOutput, error) {
	if strings.TrimSpace(input.ThreadID) == "" {
		return ProcessTurnOutput{}, fmt.Errorf("thread id required")
	}
	if strings.TrimSpace(input.Query) == "" {
		return ProcessTurnOutput{}, fmt.Errorf("query required")
	}

	recordID, err := a.orchestrator.Run(ctx, input.ThreadID, input.Query)
	if err != nil {
		return ProcessTurnOutput{}, err
	}
	return ProcessTurnOutput{RecordID: recordID}, nil
}

// HandleTurnFailure records a terminal error event for turns that died
// outside the orchestrator, such as activity timeouts. Without it,
// subscribers of a timed-out turn never learn the stream ended.
func (a *TurnActivities) HandleTurnFailure(ctx context.Context, input TurnFailureInput) error {
	if strings.TrimSpace(input.ThreadID) == "" {
		return fmt.Errorf("thread id required")
	}
	return a.emitter.Emit(ctx, input.ThreadID, events.TypeError, map[string]any{"message": input.Error})
}

// apiEmitter delivers events to the api process, which owns sequencing
// and subscriber fan-out. When the api is unreachable, durable events
// fall back to the shared store so the turn's trail survives; answer
// fragments have no subscribers to reach in that case and are dropped.
type apiEmitter struct {
	store          store.Store
	base           string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

func newAPIEmitter(apiURL string, st store.Store, logger *zap.Logger) *apiEmitter {
	return &apiEmitter{
		store:          st,
		base:           strings.TrimRight(apiURL, "/"),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		requestTimeout: 10 * time.Second,
		logger:         logger,
	}
}

func (e *apiEmitter) Emit(ctx context.Context, threadID string, eventType string, payload any) error {
	eventType = events.NormalizeType(eventType)
	err := e.post(ctx, threadID, eventType, payload)
	if err == nil {
		return nil
	}
	if events.Transient(eventType) {
		e.logger.Warn("dropping answer fragment, api unreachable",
			zap.String("thread_id", threadID), zap.Error(err))
		return nil
	}
	return e.appendLocal(ctx, threadID, eventType, payload)
}

func (e *apiEmitter) post(ctx context.Context, threadID string, eventType string, payload any) error {
	url := fmt.Sprintf("%s/threads/%s/events", e.base, threadID)
	body, err := json.Marshal(map[string]any{
		"type":      eventType,
		"source":    "worker",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"trace_id":  uuid.New().String(),
		"payload":   payload,
	})
	if err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api event ingest failed: %s", resp.Status)
	}
	return nil
}

func (e *apiEmitter) appendLocal(ctx context.Context, threadID string, eventType string, payload any) error {
	seq, err := e.store.NextSeq(ctx, threadID)
	if err != nil {
		return err
	}
	return e.store.AppendEvent(ctx, store.ThreadEvent{
		ThreadID:  threadID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    "worker",
		TraceID:   uuid.New().String(),
		Payload:   payload,
	})
}
