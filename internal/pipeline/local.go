package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Upper bound for one inline run across every stage timeout.
const localRunBudget = 5 * time.Minute

type activeRun struct {
	cancel context.CancelFunc
}

// LocalRunner executes turns inline, in-process, for deployments without
// a workflow engine. One turn runs at a time per thread; starting a new
// turn while one is in flight cancels the old one.
type LocalRunner struct {
	orch   *Orchestrator
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

func NewLocalRunner(orch *Orchestrator, logger *zap.Logger) *LocalRunner {
	return &LocalRunner{
		orch:   orch,
		logger: logger,
		active: map[string]*activeRun{},
	}
}

// StartTurn launches the run in the background and returns immediately.
// The run detaches from the caller's context: an accepted turn keeps
// going after the submitting request completes.
func (l *LocalRunner) StartTurn(ctx context.Context, threadID, query string) error {
	runCtx, cancel := context.WithTimeout(context.Background(), localRunBudget)
	entry := &activeRun{cancel: cancel}

	l.mu.Lock()
	if prev, ok := l.active[threadID]; ok {
		prev.cancel()
	}
	l.active[threadID] = entry
	l.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			l.mu.Lock()
			if l.active[threadID] == entry {
				delete(l.active, threadID)
			}
			l.mu.Unlock()
		}()
		if _, err := l.orch.Run(runCtx, threadID, query); err != nil {
			l.logger.Error("inline turn failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}()
	return nil
}

// CancelTurn stops the thread's in-flight run, if any.
func (l *LocalRunner) CancelTurn(ctx context.Context, threadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.active[threadID]; ok {
		entry.cancel()
		delete(l.active, threadID)
	}
	return nil
}
