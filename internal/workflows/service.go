package workflows

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/client"
)

const (
	TurnSignalName = "turn"
)

// Service starts and signals thread workflows. It satisfies the api
// package's TurnStarter so HTTP handlers never touch Temporal types.
type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = "kensaku-turns"
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartTurn delivers one user query to the thread's workflow, starting
// the workflow first when this is the thread's first turn.
func (s *Service) StartTurn(ctx context.Context, threadID string, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return fmt.Errorf("query required")
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(threadID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.SignalWithStartWorkflow(
		ctx,
		workflowID(threadID),
		TurnSignalName,
		query,
		options,
		ThreadWorkflow,
		TurnInput{ThreadID: threadID},
	)
	return err
}

func (s *Service) CancelTurn(ctx context.Context, threadID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(threadID), "")
}

func workflowID(threadID string) string {
	return fmt.Sprintf("thread:%s", threadID)
}
