package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/store"
)

// Emitter delivers typed events toward a thread's subscribers. Call order
// must be preserved per thread within one run.
type Emitter interface {
	Emit(ctx context.Context, threadID, eventType string, payload any) error
}

// BrokerEmitter assigns sequence numbers, persists durable events, and
// fans them out through the in-process broker. Transient event types
// (answer fragments) bypass persistence and go straight to subscribers.
type BrokerEmitter struct {
	store  store.Store
	broker *events.Broker
	source string
}

func NewBrokerEmitter(st store.Store, broker *events.Broker, source string) *BrokerEmitter {
	return &BrokerEmitter{store: st, broker: broker, source: source}
}

func (e *BrokerEmitter) Emit(ctx context.Context, threadID, eventType string, payload any) error {
	event := events.ThreadEvent{
		ThreadID: threadID,
		Type:     events.NormalizeType(eventType),
		Ts:       time.Now().UTC().Format(time.RFC3339Nano),
		Source:   e.source,
		Payload:  payload,
	}

	if events.Transient(event.Type) {
		e.broker.Publish(event)
		return nil
	}

	seq, err := e.store.NextSeq(ctx, threadID)
	if err != nil {
		return fmt.Errorf("assign event seq: %w", err)
	}
	event.Seq = seq

	if err := e.store.AppendEvent(ctx, store.ThreadEvent{
		ThreadID:  event.ThreadID,
		Seq:       event.Seq,
		Type:      event.Type,
		Timestamp: event.Ts,
		Source:    event.Source,
		Payload:   event.Payload,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	e.broker.Publish(event)
	return nil
}
