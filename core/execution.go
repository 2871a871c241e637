package core

import (
	"reflect"
	"time"
)

// Execution is a node in the execution tree of a running process instance.
// One active execution represents one control-flow token.
type Execution struct {
	// ID is the unique id of this execution. For the root execution it is
	// equal to ProcessInstanceID.
	ID string `json:"id"`

	// ParentID refers to the parent execution. It is empty for the root
	// execution of a process instance.
	ParentID string `json:"parent_id,omitempty"`

	// ProcessInstanceID is the id of the process instance this execution
	// belongs to.
	ProcessInstanceID string `json:"process_instance_id"`

	// ProcessDefinitionID identifies the process definition the instance
	// was started from.
	ProcessDefinitionID string `json:"process_definition_id"`

	// ActivityID is the id of the activity the execution currently sits at.
	// It is empty while the execution is mid-transition.
	ActivityID string `json:"activity_id,omitempty"`

	// IsActive indicates whether a token is present. A fork parent stays in
	// the tree with IsActive == false as the join anchor for its children.
	IsActive bool `json:"is_active"`

	// IsScope indicates that this execution introduces a new variable scope.
	IsScope bool `json:"is_scope"`

	// IsConcurrent indicates that this execution is one branch of a fork.
	IsConcurrent bool `json:"is_concurrent"`

	IsEnded bool `json:"is_ended"`

	// Variables holds the variables owned by this execution's scope. Only
	// scope executions carry variables.
	Variables map[string]any `json:"variables,omitempty"`

	// Version is the optimistic locking version of the persisted row.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
}

// Root reports whether this execution is the root of its process instance.
func (e *Execution) Root() bool {
	return e.ParentID == ""
}

// EntityID implements the cached-entity contract.
func (e *Execution) EntityID() string {
	return e.ID
}

// Clone returns a deep copy, used as the copy-on-read snapshot for dirty
// checking.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.Variables != nil {
		c.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}

	return &c
}

// ChangedSince compares the execution against a snapshot taken when it was
// loaded and reports whether a flush has to write it.
func (e *Execution) ChangedSince(snapshot *Execution) bool {
	if e.ParentID != snapshot.ParentID ||
		e.ActivityID != snapshot.ActivityID ||
		e.IsActive != snapshot.IsActive ||
		e.IsScope != snapshot.IsScope ||
		e.IsConcurrent != snapshot.IsConcurrent ||
		e.IsEnded != snapshot.IsEnded {
		return true
	}

	if len(e.Variables) != len(snapshot.Variables) {
		return true
	}

	for k, v := range e.Variables {
		sv, ok := snapshot.Variables[k]
		if !ok || !reflect.DeepEqual(v, sv) {
			return true
		}
	}

	return false
}
