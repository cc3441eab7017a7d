// Package redis persists chat state in Redis, the default backend. Each
// thread gets a metadata hash plus JSON lists for records and events and
// an INCR-backed sequence counter.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kensaku-ai/kensaku/internal/store"
)

// Sorted set of thread ids scored by last-update time.
const threadsKey = "threads"

func threadKey(id string) string  { return "thread:" + id }
func recordsKey(id string) string { return "thread:" + id + ":records" }
func eventsKey(id string) string  { return "thread:" + id + ":events" }
func seqKey(id string) string     { return "thread:" + id + ":seq" }

type RedisStore struct {
	client *goredis.Client
}

func New(addr, password string, db int) *RedisStore {
	return &RedisStore{client: goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) CreateThread(ctx context.Context, thread store.Thread) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if strings.TrimSpace(thread.CreatedAt) == "" {
		thread.CreatedAt = now
	}
	if strings.TrimSpace(thread.UpdatedAt) == "" {
		thread.UpdatedAt = now
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, threadKey(thread.ID),
		"id", thread.ID,
		"title", thread.Title,
		"created_at", thread.CreatedAt,
		"updated_at", thread.UpdatedAt)
	pipe.ZAdd(ctx, threadsKey, goredis.Z{Score: timeScore(thread.UpdatedAt), Member: thread.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *RedisStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	values, err := s.client.HGetAll(ctx, threadKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &store.Thread{
		ID:        values["id"],
		Title:     values["title"],
		CreatedAt: values["created_at"],
		UpdatedAt: values["updated_at"],
	}, nil
}

func (s *RedisStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	ids, err := s.client.ZRevRange(ctx, threadsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	summaries := make([]store.ThreadSummary, 0, len(ids))
	for _, id := range ids {
		values, err := s.client.HGetAll(ctx, threadKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		if len(values) == 0 {
			continue
		}
		count, err := s.client.LLen(ctx, recordsKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list threads: %w", err)
		}
		summaries = append(summaries, store.ThreadSummary{
			ID:          values["id"],
			Title:       values["title"],
			CreatedAt:   values["created_at"],
			UpdatedAt:   values["updated_at"],
			RecordCount: count,
		})
	}
	return summaries, nil
}

func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, threadKey(threadID), recordsKey(threadID), eventsKey(threadID), seqKey(threadID))
	pipe.ZRem(ctx, threadsKey, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func (s *RedisStore) SetThreadTitle(ctx context.Context, threadID string, title string) error {
	exists, err := s.client.Exists(ctx, threadKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("set thread title: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("thread %s not found", threadID)
	}
	return s.touchThread(ctx, threadID, "title", title)
}

func (s *RedisStore) SaveChatRecord(ctx context.Context, record store.ChatRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode chat record: %w", err)
	}
	if err := s.client.RPush(ctx, recordsKey(record.ThreadID), data).Err(); err != nil {
		return fmt.Errorf("save chat record: %w", err)
	}

	exists, err := s.client.Exists(ctx, threadKey(record.ThreadID)).Result()
	if err != nil {
		return fmt.Errorf("save chat record: %w", err)
	}
	if exists == 1 {
		return s.touchThread(ctx, record.ThreadID)
	}
	return nil
}

func (s *RedisStore) ListChatRecords(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
	raw, err := s.client.LRange(ctx, recordsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list chat records: %w", err)
	}

	records := make([]store.ChatRecord, 0, len(raw))
	for _, item := range raw {
		var record store.ChatRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("decode chat record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event store.ThreadEvent) error {
	event.Type = strings.TrimSpace(strings.ToLower(event.Type))
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.RPush(ctx, eventsKey(event.ThreadID), data).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]store.ThreadEvent, error) {
	raw, err := s.client.LRange(ctx, eventsKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]store.ThreadEvent, 0, len(raw))
	for _, item := range raw {
		var event store.ThreadEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if afterSeq > 0 && event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *RedisStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	seq, err := s.client.Incr(ctx, seqKey(threadID)).Result()
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// touchThread refreshes updated_at and the recency index, optionally
// setting extra hash fields first.
func (s *RedisStore) touchThread(ctx context.Context, threadID string, fields ...string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	pipe := s.client.TxPipeline()
	args := append([]string{}, fields...)
	args = append(args, "updated_at", now)
	values := make([]any, 0, len(args))
	for _, arg := range args {
		values = append(values, arg)
	}
	pipe.HSet(ctx, threadKey(threadID), values...)
	pipe.ZAdd(ctx, threadsKey, goredis.Z{Score: timeScore(now), Member: threadID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

func timeScore(value string) float64 {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0
	}
	return float64(parsed.Unix())
}
