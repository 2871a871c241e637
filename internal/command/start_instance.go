package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/procflow/procflow/core"
)

// StartProcessInstance creates the root execution of a new process instance
// and places its token at the definition's initial activity. The result is
// the root *core.Execution.
type StartProcessInstance struct {
	DefinitionID string

	// InstanceID is optional; a uuid is assigned when empty.
	InstanceID string

	Variables map[string]any
}

func (c *StartProcessInstance) Name() string {
	return "start-process-instance"
}

func (c *StartProcessInstance) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.DefinitionID == "" {
		return nil, fmt.Errorf("%w: definition id must not be empty", ErrInvalidArgument)
	}

	definition, err := cc.Definitions().ResolveDefinition(ctx, c.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("resolving definition %s: %w", c.DefinitionID, err)
	}

	instanceID := c.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	variables := make(map[string]any, len(c.Variables))
	for k, v := range c.Variables {
		variables[k] = v
	}

	root := &core.Execution{
		ID:                  instanceID,
		ProcessInstanceID:   instanceID,
		ProcessDefinitionID: definition.ID,
		IsActive:            true,
		IsScope:             true,
		Variables:           variables,
		CreatedAt:           cc.Clock().Now(),
	}

	cc.Session().CreateExecution(root)

	ac := cc.ActivityContext(ctx, definition, root)
	if err := ac.Start(); err != nil {
		return nil, fmt.Errorf("starting process instance %s: %w", instanceID, err)
	}

	return root, nil
}
