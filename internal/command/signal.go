package command

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// SignalExecution delivers an external trigger to the activity an execution
// is waiting at, e.g. completing a task.
type SignalExecution struct {
	ExecutionID string
	Payload     any
}

func (c *SignalExecution) Name() string {
	return "signal-execution"
}

func (c *SignalExecution) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution id must not be empty", ErrInvalidArgument)
	}

	execution, err := cc.Session().GetExecution(ctx, c.ExecutionID)
	if err != nil {
		return nil, err
	}

	if !execution.IsActive || execution.IsEnded {
		return nil, fmt.Errorf("signalling execution %s: %w", c.ExecutionID, ErrExecutionNotActive)
	}

	definition, err := cc.Definitions().ResolveDefinition(ctx, execution.ProcessDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("resolving definition %s: %w", execution.ProcessDefinitionID, err)
	}

	ac := cc.ActivityContext(ctx, definition, execution)
	if err := ac.Event(c.Payload); err != nil {
		return nil, fmt.Errorf("signalling execution %s: %w", c.ExecutionID, err)
	}

	countInstanceCompleted(ctx, cc, execution.ProcessInstanceID)

	return nil, nil
}

// countInstanceCompleted emits the completion counter when the operation
// just ended the instance.
func countInstanceCompleted(ctx context.Context, cc *Context, processInstanceID string) {
	root, err := cc.Session().GetExecution(ctx, processInstanceID)
	if err != nil || !root.IsEnded {
		return
	}

	cc.Options().Metrics.Counter(metrickeys.ProcessInstanceCompleted,
		metrics.Tags{metrickeys.ProcessDefinition: root.ProcessDefinitionID}, 1)
}
