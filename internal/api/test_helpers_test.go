package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateThread(ctx context.Context, thread store.Thread) error {
	args := m.Called(ctx, thread)
	return args.Error(0)
}

func (m *MockStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	args := m.Called(ctx, threadID)
	if value := args.Get(0); value != nil {
		return value.(*store.Thread), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) ListThreads(ctx context.Context) ([]store.ThreadSummary, error) {
	args := m.Called(ctx)
	var result []store.ThreadSummary
	if value := args.Get(0); value != nil {
		result = value.([]store.ThreadSummary)
	}
	return result, args.Error(1)
}

func (m *MockStore) DeleteThread(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func (m *MockStore) SetThreadTitle(ctx context.Context, threadID string, title string) error {
	args := m.Called(ctx, threadID, title)
	return args.Error(0)
}

func (m *MockStore) SaveChatRecord(ctx context.Context, record store.ChatRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) ListChatRecords(ctx context.Context, threadID string) ([]store.ChatRecord, error) {
	args := m.Called(ctx, threadID)
	var result []store.ChatRecord
	if value := args.Get(0); value != nil {
		result = value.([]store.ChatRecord)
	}
	return result, args.Error(1)
}

func (m *MockStore) AppendEvent(ctx context.Context, event store.ThreadEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) ListEvents(ctx context.Context, threadID string, afterSeq int64) ([]store.ThreadEvent, error) {
	args := m.Called(ctx, threadID, afterSeq)
	var result []store.ThreadEvent
	if value := args.Get(0); value != nil {
		result = value.([]store.ThreadEvent)
	}
	return result, args.Error(1)
}

func (m *MockStore) NextSeq(ctx context.Context, threadID string) (int64, error) {
	args := m.Called(ctx, threadID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.ThreadEvent) {
	m.Called(event)
}

func (m *MockBroker) Subscribe(ctx context.Context, threadID string) <-chan events.ThreadEvent {
	args := m.Called(ctx, threadID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.ThreadEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.ThreadEvent); ok {
			return ch
		}
	}
	return nil
}

type MockTurnStarter struct {
	mock.Mock
}

func (m *MockTurnStarter) StartTurn(ctx context.Context, threadID string, query string) error {
	args := m.Called(ctx, threadID, query)
	return args.Error(0)
}

func (m *MockTurnStarter) CancelTurn(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func newTestServer(t *testing.T, store store.Store, broker Broker, turns TurnStarter, cfg config.Config) *httptest.Server {
	t.Helper()
	server := NewServer(store, broker, turns, cfg)
	return httptest.NewServer(server.Router())
}
