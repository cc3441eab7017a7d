// Package memory holds chat state in process. Suitable for development
// and tests; everything is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kensaku-ai/kensaku/internal/store"
)

type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]store.Thread
	records map[string][]store.ChatRecord
	events  map[string][]store.ThreadEvent
	seq     map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		threads: map[string]store.Thread{},
		records: map[string][]store.ChatRecord{},
		events:  map[string][]store.ThreadEvent{},
		seq:     map[string]int64{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread store.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	if strings.TrimSpace(thread.CreatedAt) == "" {
		thread.CreatedAt = now
	}
	if strings.TrimSpace(thread.UpdatedAt) == "" {
		thread.UpdatedAt = now
	}
	m.threads[thread.ID] = thread
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, nil
	}
	cloned := thread
	return &cloned, nil
}

func (m *MemoryStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]store.ThreadSummary, 0, len(m.threads))
	for _, thread := range m.threads {
		summaries = append(summaries, store.ThreadSummary{
			ID:          thread.ID,
			Title:       thread.Title,
			CreatedAt:   thread.CreatedAt,
			UpdatedAt:   thread.UpdatedAt,
			RecordCount: int64(len(m.records[thread.ID])),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return parseTime(summaries[i].UpdatedAt).After(parseTime(summaries[j].UpdatedAt))
	})
	return summaries, nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	delete(m.records, threadID)
	delete(m.events, threadID)
	delete(m.seq, threadID)
	return nil
}

func (m *MemoryStore) SetThreadTitle(ctx context.Context, threadID string, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	thread.Title = title
	thread.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	m.threads[threadID] = thread
	return nil
}

func (m *MemoryStore) SaveChatRecord(ctx context.Context, record store.ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ThreadID] = append(m.records[record.ThreadID], cloneRecord(record))
	if thread, ok := m.threads[record.ThreadID]; ok {
		thread.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		m.threads[record.ThreadID] = thread
	}
	return nil
}

func (m *MemoryStore) ListChatRecords(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]store.ChatRecord, 0, len(m.records[threadID]))
	for _, record := range m.records[threadID] {
		records = append(records, cloneRecord(record))
	}
	return records, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event store.ThreadEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Type = normalizeEventType(event.Type)
	m.events[event.ThreadID] = append(m.events[event.ThreadID], event)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]store.ThreadEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[threadID]
	if afterSeq <= 0 {
		return append([]store.ThreadEvent{}, events...), nil
	}
	filtered := []store.ThreadEvent{}
	for _, event := range events {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	return filtered, nil
}

func (m *MemoryStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[threadID] += 1
	return m.seq[threadID], nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneRecord(record store.ChatRecord) store.ChatRecord {
	cloned := record
	cloned.Mediums = append([]store.Medium{}, record.Mediums...)
	cloned.WebResults = append([]store.WebResult{}, record.WebResults...)
	return cloned
}

func normalizeEventType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
