package events

import (
	"context"
	"strings"
	"sync"

	"github.com/kensaku-ai/kensaku/internal/metrics"
)

// Event types delivered to thread subscribers, in the order a successful
// run produces them. Answer fragments are transient: they fan out through
// the broker but are never persisted (the full answer lives in the chat
// record).
const (
	TypeMetadata      = "metadata"
	TypeWebResults    = "web_results"
	TypeMediumResults = "medium_results"
	TypeAnswer        = "answer"
	TypeError         = "error"
	TypeDone          = "done"
)

type ThreadEvent struct {
	ThreadID string `json:"thread_id"`
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Ts       string `json:"ts"`
	Source   string `json:"source"`
	TraceID  string `json:"trace_id,omitempty"`
	Payload  any    `json:"payload"`
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan ThreadEvent]struct{}
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

// Transient reports whether events of this type bypass persistence.
func Transient(eventType string) bool {
	return NormalizeType(eventType) == TypeAnswer
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan ThreadEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, threadID string) <-chan ThreadEvent {
	ch := make(chan ThreadEvent, 16)

	b.mu.Lock()
	if b.subscribers[threadID] == nil {
		b.subscribers[threadID] = map[chan ThreadEvent]struct{}{}
	}
	b.subscribers[threadID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[threadID] != nil {
			delete(b.subscribers[threadID], ch)
			if len(b.subscribers[threadID]) == 0 {
				delete(b.subscribers, threadID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Broker) Publish(event ThreadEvent) {
	b.mu.RLock()
	subscribers := b.subscribers[event.ThreadID]
	chans := make([]chan ThreadEvent, 0, len(subscribers))
	for ch := range subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}
