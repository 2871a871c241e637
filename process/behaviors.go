package process

import (
	"fmt"

	"github.com/procflow/procflow/calendar"
	"github.com/procflow/procflow/core"
)

// PassThroughBehavior leaves the activity as soon as the token enters. Used
// for start events and other activities without own semantics.
type PassThroughBehavior struct{}

func (b *PassThroughBehavior) Execute(ac *ActivityContext) error {
	return ac.Leave()
}

func (b *PassThroughBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "pass-through")
}

// TaskBehavior is a wait state: the token stays at the activity until an
// external signal completes it. A payload of map[string]any is applied as
// variables before the execution continues.
type TaskBehavior struct{}

func (b *TaskBehavior) Execute(ac *ActivityContext) error {
	// Wait state; advanced via Event.
	return nil
}

func (b *TaskBehavior) Event(ac *ActivityContext, payload any) error {
	if variables, ok := payload.(map[string]any); ok {
		for name, value := range variables {
			ac.SetVariable(name, value)
		}
	}

	return ac.Leave()
}

// ServiceTaskBehavior invokes a delegate and leaves. A delegate error
// propagates and rolls the enclosing command back.
type ServiceTaskBehavior struct {
	Delegate func(ac *ActivityContext) error
}

func (b *ServiceTaskBehavior) Execute(ac *ActivityContext) error {
	if b.Delegate != nil {
		if err := b.Delegate(ac); err != nil {
			return fmt.Errorf("service task delegate: %w", err)
		}
	}

	return ac.Leave()
}

func (b *ServiceTaskBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "service task")
}

// EndBehavior ends the execution's path through the process.
type EndBehavior struct{}

func (b *EndBehavior) Execute(ac *ActivityContext) error {
	return ac.End()
}

func (b *EndBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "end")
}

// TerminateEndBehavior ends the whole process instance, cascading over all
// executions of the tree.
type TerminateEndBehavior struct{}

func (b *TerminateEndBehavior) Execute(ac *ActivityContext) error {
	return ac.Terminate()
}

func (b *TerminateEndBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "terminate end")
}

// ExclusiveGatewayBehavior takes the first outgoing transition whose
// condition holds.
type ExclusiveGatewayBehavior struct{}

func (b *ExclusiveGatewayBehavior) Execute(ac *ActivityContext) error {
	a, err := ac.activity()
	if err != nil {
		return err
	}

	transitions, err := ac.eligibleTransitions(a)
	if err != nil {
		return err
	}

	if len(transitions) == 0 {
		return fmt.Errorf("no outgoing transition eligible at exclusive gateway %q", a.ID)
	}

	return ac.Take(transitions[0])
}

func (b *ExclusiveGatewayBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "exclusive gateway")
}

// ParallelGatewayBehavior joins concurrent siblings: each arriving token
// deactivates its execution; once tokens for all incoming transitions have
// arrived, the siblings are pruned and the fork parent continues from the
// gateway. Forking is the plain fan-out of Leave, so a parallel split needs
// no special handling here.
type ParallelGatewayBehavior struct{}

func (b *ParallelGatewayBehavior) Execute(ac *ActivityContext) error {
	a, err := ac.activity()
	if err != nil {
		return err
	}

	exec := ac.Execution()

	expected := len(a.Incoming)
	if !exec.IsConcurrent || expected <= 1 {
		return ac.Leave()
	}

	exec.IsActive = false

	siblings, err := ac.runtime.ChildExecutions(exec.ParentID)
	if err != nil {
		return err
	}

	arrived := make([]*core.Execution, 0, expected)
	for _, s := range siblings {
		if s.ActivityID == a.ID && !s.IsActive && !s.IsEnded {
			arrived = append(arrived, s)
		}
	}

	if len(arrived) < expected {
		// Wait for the remaining tokens.
		return nil
	}

	parent, err := ac.runtime.GetExecution(exec.ParentID)
	if err != nil {
		return fmt.Errorf("loading join parent: %w", err)
	}

	for _, s := range arrived {
		if err := ac.runtime.RemoveExecutionJobs(s.ID); err != nil {
			return err
		}

		ac.runtime.RemoveExecution(s.ID)
	}

	parent.IsActive = true
	parent.ActivityID = a.ID

	return ac.withExecution(parent).Leave()
}

func (b *ParallelGatewayBehavior) Event(ac *ActivityContext, payload any) error {
	return unexpectedEvent(ac, "parallel gateway")
}

// TimerCatchBehavior waits for a timer job to fire. The due date expression
// is resolved through the business calendar when the token enters.
type TimerCatchBehavior struct {
	// DueDate is a calendar expression: a cron expression, an ISO-8601
	// duration, or an ISO-8601 repeating interval.
	DueDate string
}

func (b *TimerCatchBehavior) Execute(ac *ActivityContext) error {
	resolver, err := calendar.NewResolver(b.DueDate)
	if err != nil {
		return fmt.Errorf("parsing timer due date: %w", err)
	}

	due, err := resolver.Resolve(ac.Clock().Now())
	if err != nil {
		return fmt.Errorf("resolving timer due date: %w", err)
	}

	ac.ScheduleJob(core.JobHandlerTimerFire, b.DueDate, due, false)

	return nil
}

func (b *TimerCatchBehavior) Event(ac *ActivityContext, payload any) error {
	return ac.Leave()
}

func unexpectedEvent(ac *ActivityContext, behavior string) error {
	return &ContractError{
		ExecutionID: ac.execution.ID,
		ActivityID:  ac.execution.ActivityID,
		Reason:      fmt.Sprintf("%s activity does not accept events", behavior),
	}
}
