package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/procflow/procflow/process"
)

// Registry is an in-memory DefinitionProvider. It is the default seam for
// tests and embedders that build definitions in code; a BPMN parser
// collaborator would provide its own implementation.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*process.Definition
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: map[string]*process.Definition{},
	}
}

// RegisterDefinition adds a validated definition. Registering the same id
// again replaces the previous version.
func (r *Registry) RegisterDefinition(d *process.Definition) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[d.ID] = d

	return nil
}

func (r *Registry) Definition(ctx context.Context, definitionID string) (*process.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.definitions[definitionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}

	return d, nil
}
