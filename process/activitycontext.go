package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/procflow/procflow/core"
)

// Runtime is the seam between the flow primitives and the command/session
// substrate. Entities obtained or created through it are tracked by the
// enclosing transaction; modifications to them are flushed when the command
// commits.
type Runtime interface {
	Context() context.Context
	Clock() clock.Clock
	Logger() *slog.Logger

	// NewID returns a fresh unique entity id.
	NewID() string

	// DefaultJobRetries is the retry count for newly scheduled jobs.
	DefaultJobRetries() int

	GetExecution(executionID string) (*core.Execution, error)
	ChildExecutions(parentID string) ([]*core.Execution, error)
	InstanceExecutions(processInstanceID string) ([]*core.Execution, error)
	CreateExecution(execution *core.Execution)
	RemoveExecution(executionID string)

	CreateJob(job *core.Job)

	// RemoveExecutionJobs removes all jobs belonging to the given
	// execution, e.g. pending timers when the execution ends.
	RemoveExecutionJobs(executionID string) error
}

// ActivityContext is the handle a Behavior uses to advance the execution
// tree. It wraps one execution; the flow primitives Leave, Take and End
// implement the state machine: an execution leaving an activity either
// takes the single outgoing transition, fans out into concurrent children,
// or ends.
type ActivityContext struct {
	execution  *core.Execution
	definition *Definition
	runtime    Runtime

	// viaJob is set when an async continuation job resumes the activity,
	// so the async gate is not applied a second time.
	viaJob bool
}

func NewActivityContext(runtime Runtime, definition *Definition, execution *core.Execution) *ActivityContext {
	return &ActivityContext{
		execution:  execution,
		definition: definition,
		runtime:    runtime,
	}
}

func (ac *ActivityContext) Execution() *core.Execution {
	return ac.execution
}

func (ac *ActivityContext) Definition() *Definition {
	return ac.definition
}

func (ac *ActivityContext) Context() context.Context {
	return ac.runtime.Context()
}

func (ac *ActivityContext) Clock() clock.Clock {
	return ac.runtime.Clock()
}

func (ac *ActivityContext) Logger() *slog.Logger {
	return ac.runtime.Logger()
}

func (ac *ActivityContext) withExecution(execution *core.Execution) *ActivityContext {
	return &ActivityContext{
		execution:  execution,
		definition: ac.definition,
		runtime:    ac.runtime,
	}
}

func (ac *ActivityContext) activity() (*Activity, error) {
	if ac.execution.ActivityID == "" {
		return nil, &ContractError{
			ExecutionID: ac.execution.ID,
			Reason:      "execution has no current activity",
		}
	}

	a, ok := ac.definition.Activity(ac.execution.ActivityID)
	if !ok {
		return nil, fmt.Errorf("activity %q not found in definition %s", ac.execution.ActivityID, ac.definition.ID)
	}

	return a, nil
}

// Start places the execution's token at the definition's initial activity.
func (ac *ActivityContext) Start() error {
	initial := ac.definition.Initial()
	if initial == nil {
		return fmt.Errorf("definition %s has no initial activity", ac.definition.ID)
	}

	return ac.enter(initial)
}

// Leave moves the token off the current activity: with one eligible
// outgoing transition the same execution continues, with several the
// execution becomes the inactive fork parent and one concurrent child is
// spawned and advanced per transition, with none the execution ends.
func (ac *ActivityContext) Leave() error {
	a, err := ac.activity()
	if err != nil {
		return err
	}

	transitions, err := ac.eligibleTransitions(a)
	if err != nil {
		return err
	}

	switch len(transitions) {
	case 0:
		return ac.End()

	case 1:
		return ac.Take(transitions[0])
	}

	// Fork: the current execution stays in the tree as the inactive join
	// anchor, each transition continues on a fresh concurrent child.
	exec := ac.execution
	exec.IsActive = false

	children := make([]*core.Execution, len(transitions))
	for i := range transitions {
		child := &core.Execution{
			ID:                  ac.runtime.NewID(),
			ParentID:            exec.ID,
			ProcessInstanceID:   exec.ProcessInstanceID,
			ProcessDefinitionID: exec.ProcessDefinitionID,
			ActivityID:          a.ID,
			IsActive:            true,
			IsConcurrent:        true,
			CreatedAt:           ac.runtime.Clock().Now(),
		}

		ac.runtime.CreateExecution(child)
		children[i] = child
	}

	for i, t := range transitions {
		if err := ac.withExecution(children[i]).Take(t); err != nil {
			return err
		}
	}

	return nil
}

// Take advances the execution over the given transition into its target
// activity.
func (ac *ActivityContext) Take(t *Transition) error {
	exec := ac.execution

	if t.Source.ID != exec.ActivityID {
		return &ContractError{
			ExecutionID: exec.ID,
			ActivityID:  exec.ActivityID,
			Reason:      fmt.Sprintf("transition %q does not leave the current activity", t.ID),
		}
	}

	// Leaving a scope activity on its scope execution dissolves the scope
	// and returns control to the parent.
	if exec.IsScope && !exec.Root() && t.Source.Scope {
		parent, err := ac.runtime.GetExecution(exec.ParentID)
		if err != nil {
			return fmt.Errorf("loading scope parent: %w", err)
		}

		if err := ac.runtime.RemoveExecutionJobs(exec.ID); err != nil {
			return err
		}
		ac.runtime.RemoveExecution(exec.ID)

		parent.IsActive = true
		parent.ActivityID = t.Source.ID

		return ac.withExecution(parent).take(t)
	}

	return ac.take(t)
}

func (ac *ActivityContext) take(t *Transition) error {
	// Mid-transition the execution points at no activity.
	ac.execution.ActivityID = ""

	next := ac.withExecution(ac.execution)

	return next.enter(t.Target)
}

// End deactivates the execution. When no active execution remains in the
// process instance, the instance is complete: non-root executions are
// pruned and the root is marked ended.
func (ac *ActivityContext) End() error {
	exec := ac.execution
	exec.IsActive = false
	exec.IsEnded = true

	if err := ac.runtime.RemoveExecutionJobs(exec.ID); err != nil {
		return err
	}

	return ac.checkInstanceComplete()
}

// Terminate forcibly ends the whole process instance: every execution of
// the tree is ended regardless of its state, pending jobs are removed.
func (ac *ActivityContext) Terminate() error {
	executions, err := ac.runtime.InstanceExecutions(ac.execution.ProcessInstanceID)
	if err != nil {
		return err
	}

	for _, e := range executions {
		if err := ac.runtime.RemoveExecutionJobs(e.ID); err != nil {
			return err
		}

		if e.Root() {
			e.IsActive = false
			e.IsEnded = true
			continue
		}

		ac.runtime.RemoveExecution(e.ID)
	}

	ac.runtime.Logger().InfoContext(ac.Context(), "process instance terminated",
		"process_instance_id", ac.execution.ProcessInstanceID)

	return nil
}

// Event delivers an external trigger to the execution's current activity.
func (ac *ActivityContext) Event(payload any) error {
	a, err := ac.activity()
	if err != nil {
		return err
	}

	return a.Behavior.Event(ac, payload)
}

// ContinueAsync resumes an activity whose execution was deferred to an
// async continuation job.
func (ac *ActivityContext) ContinueAsync() error {
	a, err := ac.activity()
	if err != nil {
		return err
	}

	cont := ac.withExecution(ac.execution)
	cont.viaJob = true

	return cont.executeActivity(a)
}

// ScheduleJob creates a deferred work item bound to this execution.
func (ac *ActivityContext) ScheduleJob(handlerType, handlerConfig string, dueDate time.Time, exclusive bool) *core.Job {
	exec := ac.execution

	job := &core.Job{
		ID:                ac.runtime.NewID(),
		ExecutionID:       exec.ID,
		ProcessInstanceID: exec.ProcessInstanceID,
		DueDate:           dueDate,
		Retries:           ac.runtime.DefaultJobRetries(),
		Exclusive:         exclusive,
		HandlerType:       handlerType,
		HandlerConfig:     handlerConfig,
		CreatedAt:         ac.runtime.Clock().Now(),
	}

	ac.runtime.CreateJob(job)

	return job
}

func (ac *ActivityContext) enter(a *Activity) error {
	exec := ac.execution
	exec.ActivityID = a.ID

	if a.Scope {
		// Enter scope activities on a fresh child execution that bounds
		// variable visibility; the parent stays as the scope anchor.
		exec.IsActive = false

		scope := &core.Execution{
			ID:                  ac.runtime.NewID(),
			ParentID:            exec.ID,
			ProcessInstanceID:   exec.ProcessInstanceID,
			ProcessDefinitionID: exec.ProcessDefinitionID,
			ActivityID:          a.ID,
			IsActive:            true,
			IsScope:             true,
			CreatedAt:           ac.runtime.Clock().Now(),
		}

		ac.runtime.CreateExecution(scope)

		return ac.withExecution(scope).executeActivity(a)
	}

	return ac.executeActivity(a)
}

func (ac *ActivityContext) executeActivity(a *Activity) error {
	if a.Async && !ac.viaJob {
		ac.ScheduleJob(core.JobHandlerAsyncContinue, a.ID, ac.runtime.Clock().Now(), true)
		return nil
	}

	return a.Behavior.Execute(ac)
}

func (ac *ActivityContext) eligibleTransitions(a *Activity) ([]*Transition, error) {
	transitions := make([]*Transition, 0, len(a.Outgoing))

	for _, t := range a.Outgoing {
		if t.Condition != nil {
			ok, err := t.Condition(ac)
			if err != nil {
				return nil, fmt.Errorf("evaluating condition on transition %q: %w", t.ID, err)
			}

			if !ok {
				continue
			}
		}

		transitions = append(transitions, t)
	}

	return transitions, nil
}

func (ac *ActivityContext) checkInstanceComplete() error {
	executions, err := ac.runtime.InstanceExecutions(ac.execution.ProcessInstanceID)
	if err != nil {
		return err
	}

	var root *core.Execution
	for _, e := range executions {
		if e.IsActive {
			return nil
		}

		if e.Root() {
			root = e
		}
	}

	for _, e := range executions {
		if e.Root() {
			continue
		}

		if err := ac.runtime.RemoveExecutionJobs(e.ID); err != nil {
			return err
		}

		ac.runtime.RemoveExecution(e.ID)
	}

	if root != nil {
		root.IsActive = false
		root.IsEnded = true
	}

	ac.runtime.Logger().InfoContext(ac.Context(), "process instance completed",
		"process_instance_id", ac.execution.ProcessInstanceID)

	return nil
}
