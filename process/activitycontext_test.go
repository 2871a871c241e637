package process_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/process"
)

// fakeRuntime backs the flow primitives with plain maps. Entities are
// shared by pointer, mirroring how the session hands out one instance per
// entity within a transaction.
type fakeRuntime struct {
	ctx    context.Context
	clock  *clock.Mock
	logger *slog.Logger

	executions map[string]*core.Execution
	jobs       map[string]*core.Job
	nextID     int
}

func newFakeRuntime() *fakeRuntime {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	return &fakeRuntime{
		ctx:        context.Background(),
		clock:      mock,
		logger:     slog.Default(),
		executions: map[string]*core.Execution{},
		jobs:       map[string]*core.Job{},
	}
}

func (r *fakeRuntime) Context() context.Context { return r.ctx }
func (r *fakeRuntime) Clock() clock.Clock       { return r.clock }
func (r *fakeRuntime) Logger() *slog.Logger     { return r.logger }

func (r *fakeRuntime) NewID() string {
	r.nextID++
	return fmt.Sprintf("e%d", r.nextID)
}

func (r *fakeRuntime) DefaultJobRetries() int { return 3 }

func (r *fakeRuntime) GetExecution(executionID string) (*core.Execution, error) {
	e, ok := r.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}

	return e, nil
}

func (r *fakeRuntime) ChildExecutions(parentID string) ([]*core.Execution, error) {
	var children []*core.Execution
	for _, e := range r.executions {
		if e.ParentID == parentID {
			children = append(children, e)
		}
	}

	return children, nil
}

func (r *fakeRuntime) InstanceExecutions(processInstanceID string) ([]*core.Execution, error) {
	var executions []*core.Execution
	for _, e := range r.executions {
		if e.ProcessInstanceID == processInstanceID {
			executions = append(executions, e)
		}
	}

	return executions, nil
}

func (r *fakeRuntime) CreateExecution(execution *core.Execution) {
	r.executions[execution.ID] = execution
}

func (r *fakeRuntime) RemoveExecution(executionID string) {
	delete(r.executions, executionID)
}

func (r *fakeRuntime) CreateJob(job *core.Job) {
	r.jobs[job.ID] = job
}

func (r *fakeRuntime) RemoveExecutionJobs(executionID string) error {
	for id, job := range r.jobs {
		if job.ExecutionID == executionID {
			delete(r.jobs, id)
		}
	}

	return nil
}

func (r *fakeRuntime) executionAt(activityID string) *core.Execution {
	for _, e := range r.executions {
		if e.ActivityID == activityID {
			return e
		}
	}

	return nil
}

func (r *fakeRuntime) activeCount() int {
	n := 0
	for _, e := range r.executions {
		if e.IsActive {
			n++
		}
	}

	return n
}

func startInstance(t *testing.T, r *fakeRuntime, d *process.Definition) *core.Execution {
	t.Helper()

	root := &core.Execution{
		ID:                  "inst-1",
		ProcessInstanceID:   "inst-1",
		ProcessDefinitionID: d.ID,
		IsActive:            true,
		IsScope:             true,
		CreatedAt:           r.clock.Now(),
	}
	r.CreateExecution(root)

	require.NoError(t, process.NewActivityContext(r, d, root).Start())

	return root
}

func sequentialDefinition() *process.Definition {
	d := process.NewDefinition("order")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "review", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "review", nil)
	d.AddTransition("f2", "review", "end", nil)

	return d
}

func Test_SequentialFlow_WaitsAtTask(t *testing.T) {
	r := newFakeRuntime()
	d := sequentialDefinition()

	root := startInstance(t, r, d)

	require.Equal(t, "review", root.ActivityID)
	require.True(t, root.IsActive)
	require.False(t, root.IsEnded)
}

func Test_SequentialFlow_SignalCompletesInstance(t *testing.T) {
	r := newFakeRuntime()
	d := sequentialDefinition()

	root := startInstance(t, r, d)

	err := process.NewActivityContext(r, d, root).Event(map[string]any{"approved": true})
	require.NoError(t, err)

	require.True(t, root.IsEnded)
	require.False(t, root.IsActive)
	require.Equal(t, true, root.Variables["approved"])
	require.Len(t, r.executions, 1)
}

func Test_ServiceTask_DelegateRunsAndContinues(t *testing.T) {
	r := newFakeRuntime()

	var called bool
	d := process.NewDefinition("billing")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "charge", Behavior: &process.ServiceTaskBehavior{
		Delegate: func(ac *process.ActivityContext) error {
			called = true
			ac.SetVariable("charged", true)
			return nil
		},
	}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "charge", nil)
	d.AddTransition("f2", "charge", "end", nil)

	root := startInstance(t, r, d)

	require.True(t, called)
	require.True(t, root.IsEnded)
	require.Equal(t, true, root.Variables["charged"])
}

func Test_ServiceTask_DelegateErrorPropagates(t *testing.T) {
	r := newFakeRuntime()

	d := process.NewDefinition("billing")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "charge", Behavior: &process.ServiceTaskBehavior{
		Delegate: func(ac *process.ActivityContext) error {
			return fmt.Errorf("card declined")
		},
	}})
	d.AddTransition("f1", "start", "charge", nil)

	root := &core.Execution{
		ID:                  "inst-1",
		ProcessInstanceID:   "inst-1",
		ProcessDefinitionID: d.ID,
		IsActive:            true,
		IsScope:             true,
	}
	r.CreateExecution(root)

	err := process.NewActivityContext(r, d, root).Start()
	require.ErrorContains(t, err, "card declined")
}

func Test_ExclusiveGateway_TakesFirstEligibleTransition(t *testing.T) {
	largeOrder := func(scope process.VariableScope) (bool, error) {
		v, ok := scope.GetVariable("amount")
		if !ok {
			return false, nil
		}

		return v.(int) > 100, nil
	}

	tests := []struct {
		name     string
		amount   int
		activity string
	}{
		{name: "large order routes to approval", amount: 500, activity: "approve"},
		{name: "small order routes to archive", amount: 50, activity: "archive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRuntime()

			d := process.NewDefinition("order")
			d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
			d.AddActivity(&process.Activity{ID: "decide", Behavior: &process.ExclusiveGatewayBehavior{}})
			d.AddActivity(&process.Activity{ID: "approve", Behavior: &process.TaskBehavior{}})
			d.AddActivity(&process.Activity{ID: "archive", Behavior: &process.TaskBehavior{}})
			d.AddTransition("f1", "start", "decide", nil)
			d.AddTransition("f2", "decide", "approve", process.Condition(largeOrder))
			d.AddTransition("f3", "decide", "archive", nil)

			root := &core.Execution{
				ID:                  "inst-1",
				ProcessInstanceID:   "inst-1",
				ProcessDefinitionID: d.ID,
				IsActive:            true,
				IsScope:             true,
				Variables:           map[string]any{"amount": tt.amount},
			}
			r.CreateExecution(root)

			require.NoError(t, process.NewActivityContext(r, d, root).Start())
			require.Equal(t, tt.activity, root.ActivityID)
		})
	}
}

func parallelDefinition() *process.Definition {
	d := process.NewDefinition("fulfillment")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "fork", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "pick", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "invoice", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "join", Behavior: &process.ParallelGatewayBehavior{}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "fork", nil)
	d.AddTransition("f2", "fork", "pick", nil)
	d.AddTransition("f3", "fork", "invoice", nil)
	d.AddTransition("f4", "pick", "join", nil)
	d.AddTransition("f5", "invoice", "join", nil)
	d.AddTransition("f6", "join", "end", nil)

	return d
}

func Test_ParallelFork_SpawnsConcurrentChildren(t *testing.T) {
	r := newFakeRuntime()
	d := parallelDefinition()

	root := startInstance(t, r, d)

	require.False(t, root.IsActive)
	require.Equal(t, 2, r.activeCount())

	pick := r.executionAt("pick")
	require.NotNil(t, pick)
	require.True(t, pick.IsConcurrent)
	require.Equal(t, root.ID, pick.ParentID)

	invoice := r.executionAt("invoice")
	require.NotNil(t, invoice)
	require.True(t, invoice.IsConcurrent)
}

func Test_ParallelJoin_WaitsForAllBranches(t *testing.T) {
	r := newFakeRuntime()
	d := parallelDefinition()

	root := startInstance(t, r, d)

	pick := r.executionAt("pick")
	require.NoError(t, process.NewActivityContext(r, d, pick).Event(nil))

	// First token parked at the join, the other branch still live.
	require.Equal(t, "join", pick.ActivityID)
	require.False(t, pick.IsActive)
	require.False(t, root.IsEnded)

	invoice := r.executionAt("invoice")
	require.NoError(t, process.NewActivityContext(r, d, invoice).Event(nil))

	// Join complete: children pruned, instance ran to the end.
	require.True(t, root.IsEnded)
	require.Len(t, r.executions, 1)
}

func Test_AsyncActivity_DefersToJob(t *testing.T) {
	r := newFakeRuntime()

	var called bool
	d := process.NewDefinition("billing")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "charge", Async: true, Behavior: &process.ServiceTaskBehavior{
		Delegate: func(ac *process.ActivityContext) error {
			called = true
			return nil
		},
	}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "charge", nil)
	d.AddTransition("f2", "charge", "end", nil)

	root := startInstance(t, r, d)

	// The delegate must not run in the starting command.
	require.False(t, called)
	require.Equal(t, "charge", root.ActivityID)
	require.Len(t, r.jobs, 1)

	var job *core.Job
	for _, j := range r.jobs {
		job = j
	}
	require.Equal(t, core.JobHandlerAsyncContinue, job.HandlerType)
	require.Equal(t, "charge", job.HandlerConfig)
	require.True(t, job.Exclusive)
	require.Equal(t, r.clock.Now(), job.DueDate)
	require.Equal(t, 3, job.Retries)

	// The continuation picks the activity back up.
	require.NoError(t, process.NewActivityContext(r, d, root).ContinueAsync())
	require.True(t, called)
	require.True(t, root.IsEnded)
}

func Test_TimerCatch_SchedulesTimerJob(t *testing.T) {
	r := newFakeRuntime()

	d := process.NewDefinition("reminder")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "wait", Behavior: &process.TimerCatchBehavior{DueDate: "PT15M"}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "wait", nil)
	d.AddTransition("f2", "wait", "end", nil)

	root := startInstance(t, r, d)

	require.Len(t, r.jobs, 1)

	var job *core.Job
	for _, j := range r.jobs {
		job = j
	}
	require.Equal(t, core.JobHandlerTimerFire, job.HandlerType)
	require.Equal(t, "PT15M", job.HandlerConfig)
	require.Equal(t, r.clock.Now().Add(15*time.Minute), job.DueDate)
	require.False(t, job.Exclusive)

	// Timer fires.
	require.NoError(t, process.NewActivityContext(r, d, root).Event(nil))
	require.True(t, root.IsEnded)
}

func Test_ScopeActivity_RunsOnChildScopeExecution(t *testing.T) {
	r := newFakeRuntime()

	var scopeExecID string
	d := process.NewDefinition("claims")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "assess", Scope: true, Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "assess", nil)
	d.AddTransition("f2", "assess", "end", nil)

	root := startInstance(t, r, d)

	require.False(t, root.IsActive)
	require.Len(t, r.executions, 2)

	var scope *core.Execution
	for _, e := range r.executions {
		if e.ID != root.ID {
			scope = e
		}
	}
	require.True(t, scope.IsScope)
	require.Equal(t, root.ID, scope.ParentID)
	require.Equal(t, "assess", scope.ActivityID)
	scopeExecID = scope.ID

	// Scope-local variable stays invisible to the root scope.
	ac := process.NewActivityContext(r, d, scope)
	ac.SetVariable("severity", "low")
	require.Equal(t, map[string]any{"severity": "low"}, scope.Variables)
	require.Empty(t, root.Variables)

	// Completing the task dissolves the scope and ends the instance.
	require.NoError(t, ac.Event(nil))
	require.NotContains(t, r.executions, scopeExecID)
	require.True(t, root.IsEnded)
}

func Test_VariableLookup_WalksScopeChain(t *testing.T) {
	r := newFakeRuntime()
	d := sequentialDefinition()

	root := startInstance(t, r, d)
	root.Variables = map[string]any{"customer": "acme"}

	child := &core.Execution{
		ID:                "child-1",
		ParentID:          root.ID,
		ProcessInstanceID: root.ProcessInstanceID,
		ActivityID:        "review",
		IsActive:          true,
		IsConcurrent:      true,
	}
	r.CreateExecution(child)

	ac := process.NewActivityContext(r, d, child)

	v, ok := ac.GetVariable("customer")
	require.True(t, ok)
	require.Equal(t, "acme", v)

	_, ok = ac.GetVariable("missing")
	require.False(t, ok)

	// Writes land on the nearest scope, which is the root here.
	ac.SetVariable("status", "reviewed")
	require.Equal(t, "reviewed", root.Variables["status"])
	require.Empty(t, child.Variables)
}

func Test_Take_WrongSourceIsContractError(t *testing.T) {
	r := newFakeRuntime()
	d := sequentialDefinition()

	root := startInstance(t, r, d)

	// root sits at "review"; f1 leaves "start".
	transition := d.Initial().Outgoing[0]

	err := process.NewActivityContext(r, d, root).Take(transition)

	var contractErr *process.ContractError
	require.ErrorAs(t, err, &contractErr)
	require.Equal(t, root.ID, contractErr.ExecutionID)
}

func Test_Terminate_CascadesOverTree(t *testing.T) {
	r := newFakeRuntime()
	d := parallelDefinition()

	root := startInstance(t, r, d)
	require.Equal(t, 2, r.activeCount())

	// Park a timer on one branch so termination has jobs to clean up.
	pick := r.executionAt("pick")
	process.NewActivityContext(r, d, pick).ScheduleJob(core.JobHandlerTimerFire, "PT1H", r.clock.Now().Add(time.Hour), false)
	require.Len(t, r.jobs, 1)

	require.NoError(t, process.NewActivityContext(r, d, root).Terminate())

	require.True(t, root.IsEnded)
	require.False(t, root.IsActive)
	require.Len(t, r.executions, 1)
	require.Empty(t, r.jobs)
}

func Test_Event_OnNonWaitStateIsContractError(t *testing.T) {
	r := newFakeRuntime()

	d := process.NewDefinition("order")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "gw", Behavior: &process.ExclusiveGatewayBehavior{}})
	d.AddActivity(&process.Activity{ID: "review", Behavior: &process.TaskBehavior{}})
	d.AddTransition("f1", "start", "gw", nil)
	d.AddTransition("f2", "gw", "review", nil)

	root := startInstance(t, r, d)
	root.ActivityID = "gw"

	err := process.NewActivityContext(r, d, root).Event(nil)

	var contractErr *process.ContractError
	require.ErrorAs(t, err, &contractErr)
}

func Test_Validate_RejectsBrokenDefinitions(t *testing.T) {
	d := process.NewDefinition("")
	require.ErrorContains(t, d.Validate(), "definition id")

	d = process.NewDefinition("empty")
	require.ErrorContains(t, d.Validate(), "no initial activity")

	d = process.NewDefinition("nobehavior")
	d.AddActivity(&process.Activity{ID: "start"})
	require.ErrorContains(t, d.Validate(), "no behavior")

	d = sequentialDefinition()
	require.NoError(t, d.Validate())
}
