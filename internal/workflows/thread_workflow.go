package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

type TurnInput struct {
	ThreadID string
}

type TurnResult struct {
	Status string
}

// ThreadWorkflow is the long-lived workflow behind one conversation
// thread. Each user query arrives as a signal and runs through the
// ProcessTurn activity; the workflow itself stays deterministic and
// only sequences turns. Cancelling the workflow aborts the in-flight
// turn and ends the loop.
func ThreadWorkflow(ctx workflow.Context, input TurnInput) (TurnResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	logger := workflow.GetLogger(ctx)
	turnCh := workflow.GetSignalChannel(ctx, TurnSignalName)

	for {
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(turnCh, func(c workflow.ReceiveChannel, more bool) {
			var query string
			c.Receive(ctx, &query)
			logger.Info("received turn", "thread_id", input.ThreadID)

			result := ProcessTurnOutput{}
			if err := workflow.ExecuteActivity(ctx, "ProcessTurn", ProcessTurnInput{
				ThreadID: input.ThreadID,
				Query:    query,
			}).Get(ctx, &result); err != nil {
				logger.Error("turn activity failed", "error", err)
				failureInput := TurnFailureInput{
					ThreadID: input.ThreadID,
					Error:    "turn: " + err.Error(),
				}
				if failureErr := workflow.ExecuteActivity(ctx, "HandleTurnFailure", failureInput).Get(ctx, nil); failureErr != nil {
					logger.Error("failed to persist turn failure event", "error", failureErr)
				}
				return
			}
			logger.Info("turn completed", "record_id", result.RecordID)
		})
		selector.Select(ctx)

		if ctx.Err() != nil {
			return TurnResult{Status: "cancelled"}, nil
		}
	}
}
