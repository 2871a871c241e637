package command

import (
	"context"
	"fmt"
)

// CancelProcessInstance forcibly terminates a process instance: every
// execution of its tree is ended and pending jobs are removed.
type CancelProcessInstance struct {
	ProcessInstanceID string
}

func (c *CancelProcessInstance) Name() string {
	return "cancel-process-instance"
}

func (c *CancelProcessInstance) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.ProcessInstanceID == "" {
		return nil, fmt.Errorf("%w: process instance id must not be empty", ErrInvalidArgument)
	}

	root, err := cc.Session().GetExecution(ctx, c.ProcessInstanceID)
	if err != nil {
		return nil, err
	}

	definition, err := cc.Definitions().ResolveDefinition(ctx, root.ProcessDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("resolving definition %s: %w", root.ProcessDefinitionID, err)
	}

	ac := cc.ActivityContext(ctx, definition, root)
	if err := ac.Terminate(); err != nil {
		return nil, fmt.Errorf("terminating process instance %s: %w", c.ProcessInstanceID, err)
	}

	return nil, nil
}
