package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/store"
)

type Server struct {
	store      store.Store
	broker     Broker
	turns      TurnStarter
	cfg        config.Config
	httpClient *http.Client
}

type Broker interface {
	Publish(event events.ThreadEvent)
	Subscribe(ctx context.Context, threadID string) <-chan events.ThreadEvent
}

// TurnStarter hands a user query to whatever runs turns: the Temporal
// workflow service in production, the inline runner when Temporal is
// unavailable.
type TurnStarter interface {
	StartTurn(ctx context.Context, threadID string, query string) error
	CancelTurn(ctx context.Context, threadID string) error
}

func NewServer(store store.Store, broker Broker, turns TurnStarter, cfg config.Config) *Server {
	return &Server{
		store:      store,
		broker:     broker,
		turns:      turns,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/threads", s.createThread)
	r.Get("/threads", s.listThreads)
	r.Get("/threads/{id}", s.getThread)
	r.Delete("/threads/{id}", s.deleteThread)
	r.Post("/threads/{id}/messages", s.postMessage)
	r.Get("/threads/{id}/history", s.getHistory)
	r.Post("/threads/{id}/events", s.ingestEvent)
	r.Get("/threads/{id}/events", s.streamEvents)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// Event traffic and poll endpoints drown out everything else in the
// request log, so they are served unlogged.
func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if strings.HasSuffix(cleanPath, "/events") && (method == http.MethodPost || method == http.MethodGet) {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/threads" || cleanPath == "/metrics") {
		return true
	}
	if method == http.MethodOptions && strings.HasSuffix(cleanPath, "/messages") {
		return true
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if _, err := s.store.ListThreads(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	searchURL := strings.TrimSpace(s.cfg.SearxNGURL)
	if searchURL == "" {
		subsystems["search"] = subsystemStatus{Status: "skipped"}
	} else {
		baseURL := strings.TrimRight(searchURL, "/")
		resp, err := s.probeHTTP(ctx, baseURL+"/healthz")
		if err == nil && resp != nil && resp.StatusCode == http.StatusNotFound {
			resp, err = s.probeHTTP(ctx, baseURL+"/")
		}
		if err != nil {
			subsystems["search"] = subsystemStatus{Status: "error", Error: err.Error()}
			overall = http.StatusServiceUnavailable
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			subsystems["search"] = subsystemStatus{Status: "error", Error: fmt.Sprintf("health status %d", resp.StatusCode)}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["search"] = subsystemStatus{Status: "ok"}
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func (s *Server) probeHTTP(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Body.Close()
}

type ingestEventRequest struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Payload   any    `json:"payload"`
}

// ingestEvent is the worker-to-API path: the worker posts pipeline events
// here so sequencing, persistence, and fan-out happen in one place.
// Transient answer fragments are published without touching the store.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	eventType := events.NormalizeType(req.Type)
	if eventType == "" {
		http.Error(w, "event type required", http.StatusBadRequest)
		return
	}

	timestamp := req.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	event := events.ThreadEvent{
		ThreadID: threadID,
		Type:     eventType,
		Ts:       timestamp,
		Source:   req.Source,
		TraceID:  strings.TrimSpace(req.TraceID),
		Payload:  req.Payload,
	}

	if events.Transient(eventType) {
		s.broker.Publish(event)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	seq, err := s.store.NextSeq(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	event.Seq = seq
	if err := s.store.AppendEvent(r.Context(), store.ThreadEvent{
		ThreadID:  threadID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: timestamp,
		Source:    req.Source,
		TraceID:   event.TraceID,
		Payload:   req.Payload,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broker.Publish(event)

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	afterSeq := parseAfterSeq(threadID, r)
	stored, err := s.store.ListEvents(ctx, threadID, afterSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, event := range stored {
		sendSSE(w, toEvent(event))
		flusher.Flush()
	}

	eventsChan := s.broker.Subscribe(ctx, threadID)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			sendSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.ThreadEvent) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %s:%d\n", event.ThreadID, event.Seq)
	fmt.Fprint(w, "event: thread_event\n")
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func toEvent(event store.ThreadEvent) events.ThreadEvent {
	return events.ThreadEvent{
		ThreadID: event.ThreadID,
		Seq:      event.Seq,
		Type:     events.NormalizeType(event.Type),
		Ts:       event.Timestamp,
		Source:   event.Source,
		TraceID:  event.TraceID,
		Payload:  event.Payload,
	}
}

func parseAfterSeq(threadID string, r *http.Request) int64 {
	afterParam := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if afterParam != "" {
		if parsed, err := strconv.ParseInt(afterParam, 10, 64); err == nil {
			return parsed
		}
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		return 0
	}
	parts := strings.Split(lastEventID, ":")
	if len(parts) != 2 {
		return 0
	}
	if parts[0] != threadID {
		return 0
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: otelhttp.NewHandler(s.Router(), "kensaku-api"),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
