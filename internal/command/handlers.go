package command

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/core"
)

// AsyncContinueHandler resumes an activity whose execution was deferred to
// an async continuation job.
type AsyncContinueHandler struct{}

func (h *AsyncContinueHandler) Type() string {
	return core.JobHandlerAsyncContinue
}

func (h *AsyncContinueHandler) Execute(ctx context.Context, cc *Context, job *core.Job) error {
	execution, err := cc.Session().GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return fmt.Errorf("loading execution for async continuation: %w", err)
	}

	definition, err := cc.Definitions().ResolveDefinition(ctx, execution.ProcessDefinitionID)
	if err != nil {
		return fmt.Errorf("resolving definition %s: %w", execution.ProcessDefinitionID, err)
	}

	return cc.ActivityContext(ctx, definition, execution).ContinueAsync()
}

// TimerFireHandler delivers a fired timer to the waiting execution's
// activity.
type TimerFireHandler struct{}

func (h *TimerFireHandler) Type() string {
	return core.JobHandlerTimerFire
}

func (h *TimerFireHandler) Execute(ctx context.Context, cc *Context, job *core.Job) error {
	execution, err := cc.Session().GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return fmt.Errorf("loading execution for timer: %w", err)
	}

	definition, err := cc.Definitions().ResolveDefinition(ctx, execution.ProcessDefinitionID)
	if err != nil {
		return fmt.Errorf("resolving definition %s: %w", execution.ProcessDefinitionID, err)
	}

	return cc.ActivityContext(ctx, definition, execution).Event(nil)
}
