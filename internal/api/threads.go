package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kensaku-ai/kensaku/internal/store"
)

const maxTitleLength = 80

type threadSummaryResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	RecordCount int64  `json:"record_count"`
}

type listThreadsResponse struct {
	Threads []threadSummaryResponse `json:"threads"`
}

type createThreadRequest struct {
	Title string `json:"title"`
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	req := createThreadRequest{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	thread := store.Thread{
		ID:        id,
		Title:     strings.TrimSpace(req.Title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(r.Context(), thread); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"thread_id":  id,
		"title":      thread.Title,
		"created_at": now,
	})
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	response := listThreadsResponse{Threads: make([]threadSummaryResponse, 0, len(threads))}
	for _, thread := range threads {
		response.Threads = append(response.Threads, threadSummaryResponse{
			ID:          thread.ID,
			Title:       thread.Title,
			CreatedAt:   thread.CreatedAt,
			UpdatedAt:   thread.UpdatedAt,
			RecordCount: thread.RecordCount,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}
	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if thread == nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(thread)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}
	if s.turns != nil {
		_ = s.turns.CancelTurn(r.Context(), threadID)
	}
	if err := s.store.DeleteThread(r.Context(), threadID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		http.Error(w, "message content required", http.StatusBadRequest)
		return
	}

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if thread == nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	if strings.TrimSpace(thread.Title) == "" {
		_ = s.store.SetThreadTitle(r.Context(), threadID, titleFromQuery(content))
	}

	if s.turns == nil {
		http.Error(w, "turn processing unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.turns.StartTurn(r.Context(), threadID, content); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"thread_id": threadID,
		"status":    "processing",
	})
}

type historyResponse struct {
	Records []store.ChatRecord `json:"records"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if threadID == "" {
		http.Error(w, "thread id required", http.StatusBadRequest)
		return
	}
	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if thread == nil {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	records, err := s.store.ListChatRecords(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(historyResponse{Records: records})
}

// titleFromQuery derives a thread title from the first user message.
func titleFromQuery(query string) string {
	title := strings.Join(strings.Fields(query), " ")
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return title
}
