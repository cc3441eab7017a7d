package store

import (
	"context"
	"errors"
)

// Medium kinds carried in chat records and medium_results events.
const (
	MediumImage = "image"
	MediumVideo = "video"
)

// ErrUnsupportedBackend reports a CHAT_STORE value no backend implements.
var ErrUnsupportedBackend = errors.New("unsupported chat store backend")

type Thread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ThreadSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	RecordCount int64  `json:"record_count"`
}

// WebResult is one organic search hit, trimmed to the fields clients and
// chat records carry (no engine/ranking fields).
type WebResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Medium is a flattened image or video result. Image holds the direct
// image source for image media and is empty for videos.
type Medium struct {
	URL   string `json:"url"`
	Image string `json:"image,omitempty"`
	Kind  string `json:"medium"`
}

type Metadata struct {
	HasMath bool `json:"has_math"`
}

// ChatRecord is one completed turn: the user's query, the synthesized
// answer, and the evidence behind it. Written exactly once per successful
// run and never mutated afterwards.
type ChatRecord struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"thread_id"`
	Mediums    []Medium    `json:"mediums"`
	WebResults []WebResult `json:"web_results"`
	Query      string      `json:"query"`
	Answer     string      `json:"answer"`
	Metadata   Metadata    `json:"metadata"`
	CreatedAt  string      `json:"created_at"`
}

type ThreadEvent struct {
	ThreadID  string `json:"thread_id"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Timestamp string `json:"ts"`
	Source    string `json:"source"`
	TraceID   string `json:"trace_id,omitempty"`
	Payload   any    `json:"payload"`
}

type Store interface {
	CreateThread(ctx context.Context, thread Thread) error
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	ListThreads(ctx context.Context) ([]ThreadSummary, error)
	DeleteThread(ctx context.Context, threadID string) error
	SetThreadTitle(ctx context.Context, threadID string, title string) error
	SaveChatRecord(ctx context.Context, record ChatRecord) error
	ListChatRecords(ctx context.Context, threadID string) ([]ChatRecord, error)
	AppendEvent(ctx context.Context, event ThreadEvent) error
	ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]ThreadEvent, error)
	NextSeq(ctx context.Context, threadID string) (int64, error)
	Close() error
}
