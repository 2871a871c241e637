// Package process holds the in-memory model of a process definition and the
// flow primitives that advance the execution tree of a running instance.
// Parsing a concrete format (e.g. BPMN XML) into a Definition is the job of
// an external collaborator.
package process

import (
	"fmt"
)

// VariableScope gives guard conditions read access to the variables visible
// at the execution evaluating them.
type VariableScope interface {
	GetVariable(name string) (any, bool)
}

// Condition guards a transition. A transition without a condition is always
// eligible.
type Condition func(scope VariableScope) (bool, error)

type Definition struct {
	ID   string
	Name string

	activities map[string]*Activity
	initial    *Activity
}

type Activity struct {
	ID string

	Behavior Behavior

	// Scope marks an activity that introduces a new variable scope. The
	// engine enters it on a fresh child execution.
	Scope bool

	// Async marks an activity whose execution is deferred to a job instead
	// of continuing synchronously in the triggering command.
	Async bool

	Outgoing []*Transition
	Incoming []*Transition
}

type Transition struct {
	ID string

	Source *Activity
	Target *Activity

	Condition Condition
}

func NewDefinition(id string) *Definition {
	return &Definition{
		ID:         id,
		activities: map[string]*Activity{},
	}
}

// AddActivity adds an activity to the definition. Adding a duplicate id
// panics, definitions are built once by the parser and misconstruction is a
// programming error.
func (d *Definition) AddActivity(a *Activity) *Activity {
	if a.ID == "" {
		panic("activity id must not be empty")
	}

	if _, ok := d.activities[a.ID]; ok {
		panic(fmt.Sprintf("duplicate activity id %q", a.ID))
	}

	d.activities[a.ID] = a

	if d.initial == nil {
		d.initial = a
	}

	return a
}

// AddTransition connects two activities. Source and target must already be
// part of the definition.
func (d *Definition) AddTransition(id, sourceID, targetID string, condition Condition) *Transition {
	source := d.activities[sourceID]
	target := d.activities[targetID]
	if source == nil || target == nil {
		panic(fmt.Sprintf("transition %q connects unknown activities %q -> %q", id, sourceID, targetID))
	}

	t := &Transition{
		ID:        id,
		Source:    source,
		Target:    target,
		Condition: condition,
	}

	source.Outgoing = append(source.Outgoing, t)
	target.Incoming = append(target.Incoming, t)

	return t
}

// SetInitial marks the activity a new process instance starts at. Defaults
// to the first activity added.
func (d *Definition) SetInitial(activityID string) {
	a := d.activities[activityID]
	if a == nil {
		panic(fmt.Sprintf("unknown initial activity %q", activityID))
	}

	d.initial = a
}

func (d *Definition) Initial() *Activity {
	return d.initial
}

func (d *Definition) Activity(id string) (*Activity, bool) {
	a, ok := d.activities[id]
	return a, ok
}

// Validate checks structural soundness of the definition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition id must not be empty")
	}

	if d.initial == nil {
		return fmt.Errorf("definition %s has no initial activity", d.ID)
	}

	for id, a := range d.activities {
		if a.Behavior == nil {
			return fmt.Errorf("activity %s has no behavior", id)
		}
	}

	return nil
}
