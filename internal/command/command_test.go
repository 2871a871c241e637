package command_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/memory"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/command"
	"github.com/procflow/procflow/internal/interceptor"
	"github.com/procflow/procflow/process"
)

// env wires a memory backend with in-test definitions and handlers,
// executing commands through the production transaction invoker.
type env struct {
	backend backend.Backend
	clock   *clock.Mock
	invoker interceptor.Invoker

	definitions map[string]*process.Definition
	handlers    map[string]command.JobHandler
	notified    int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC))

	e := &env{
		clock:       mock,
		backend:     memory.NewMemoryBackend(backend.WithClock(mock)),
		definitions: map[string]*process.Definition{},
		handlers: map[string]command.JobHandler{
			core.JobHandlerAsyncContinue: &command.AsyncContinueHandler{},
			core.JobHandlerTimerFire:     &command.TimerFireHandler{},
		},
	}

	e.invoker = interceptor.TxSession(e.backend, &interceptor.Services{
		Definitions: e,
		Handlers:    e,
		Notifier:    e,
	})

	return e
}

func (e *env) ResolveDefinition(ctx context.Context, definitionID string) (*process.Definition, error) {
	d, ok := e.definitions[definitionID]
	if !ok {
		return nil, fmt.Errorf("definition %s not registered", definitionID)
	}

	return d, nil
}

func (e *env) JobHandler(handlerType string) (command.JobHandler, bool) {
	h, ok := e.handlers[handlerType]
	return h, ok
}

func (e *env) NotifyJobAdded() { e.notified++ }

func (e *env) run(t *testing.T, cmd command.Command) any {
	t.Helper()

	result, err := e.invoker(context.Background(), cmd)
	require.NoError(t, err)

	return result
}

func (e *env) addSequentialDefinition() {
	d := process.NewDefinition("order")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "review", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "review", nil)
	d.AddTransition("f2", "review", "end", nil)

	e.definitions["order"] = d
}

func Test_StartProcessInstance_CreatesWaitingInstance(t *testing.T) {
	e := newEnv(t)
	e.addSequentialDefinition()

	result := e.run(t, &command.StartProcessInstance{
		DefinitionID: "order",
		InstanceID:   "inst-1",
		Variables:    map[string]any{"amount": 250},
	})

	root := result.(*core.Execution)
	require.Equal(t, "inst-1", root.ID)
	require.Equal(t, "review", root.ActivityID)

	stored, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.True(t, stored.IsActive)
	require.Equal(t, "review", stored.ActivityID)
	require.Equal(t, 250, stored.Variables["amount"])
}

func Test_StartProcessInstance_DuplicateInstanceID(t *testing.T) {
	e := newEnv(t)
	e.addSequentialDefinition()

	e.run(t, &command.StartProcessInstance{DefinitionID: "order", InstanceID: "inst-1"})

	_, err := e.invoker(context.Background(), &command.StartProcessInstance{DefinitionID: "order", InstanceID: "inst-1"})
	require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)
}

func Test_StartProcessInstance_Validation(t *testing.T) {
	e := newEnv(t)

	_, err := e.invoker(context.Background(), &command.StartProcessInstance{})
	require.ErrorIs(t, err, command.ErrInvalidArgument)

	_, err = e.invoker(context.Background(), &command.StartProcessInstance{DefinitionID: "unknown"})
	require.ErrorContains(t, err, "not registered")
}

func Test_SignalExecution_CompletesInstance(t *testing.T) {
	e := newEnv(t)
	e.addSequentialDefinition()

	e.run(t, &command.StartProcessInstance{DefinitionID: "order", InstanceID: "inst-1"})
	e.run(t, &command.SignalExecution{ExecutionID: "inst-1", Payload: map[string]any{"approved": true}})

	stored, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.True(t, stored.IsEnded)
	require.Equal(t, true, stored.Variables["approved"])
}

func Test_SignalExecution_InactiveExecution(t *testing.T) {
	e := newEnv(t)
	e.addSequentialDefinition()

	e.run(t, &command.StartProcessInstance{DefinitionID: "order", InstanceID: "inst-1"})
	e.run(t, &command.SignalExecution{ExecutionID: "inst-1"})

	// The instance has ended; another signal must be rejected.
	_, err := e.invoker(context.Background(), &command.SignalExecution{ExecutionID: "inst-1"})
	require.ErrorIs(t, err, command.ErrExecutionNotActive)
}

func Test_SignalExecution_UnknownExecution(t *testing.T) {
	e := newEnv(t)

	_, err := e.invoker(context.Background(), &command.SignalExecution{ExecutionID: "missing"})
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}

func (e *env) addAsyncDefinition(delegate func(ac *process.ActivityContext) error) {
	d := process.NewDefinition("billing")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "charge", Async: true, Behavior: &process.ServiceTaskBehavior{Delegate: delegate}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "charge", nil)
	d.AddTransition("f2", "charge", "end", nil)

	e.definitions["billing"] = d
}

func Test_AsyncContinuation_RoundTrip(t *testing.T) {
	e := newEnv(t)

	var called bool
	e.addAsyncDefinition(func(ac *process.ActivityContext) error {
		called = true
		return nil
	})

	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-1"})

	// The job insert triggers the local wake-up.
	require.False(t, called)
	require.Equal(t, 1, e.notified)

	result := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute})
	acquired := result.(*core.AcquiredJobs)
	require.Equal(t, 1, acquired.Size())

	jobID := acquired.Groups()[0][0]
	e.run(t, &command.ExecuteJob{JobID: jobID})

	require.True(t, called)

	stored, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.True(t, stored.IsEnded)

	// The job is gone once executed.
	_, err = e.backend.FindJobByID(context.Background(), jobID)
	require.ErrorIs(t, err, backend.ErrJobNotFound)
}

func Test_AcquireJobs_GroupsExclusiveJobsPerInstance(t *testing.T) {
	e := newEnv(t)

	var delegateErr error
	e.addAsyncDefinition(func(ac *process.ActivityContext) error { return delegateErr })

	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-1"})
	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-2"})

	result := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute})
	acquired := result.(*core.AcquiredJobs)

	// One async continuation per instance, each exclusive, hence two
	// single-job groups.
	require.Equal(t, 2, acquired.Size())
	require.Len(t, acquired.Groups(), 2)
}

func Test_AcquireJobs_Validation(t *testing.T) {
	e := newEnv(t)

	_, err := e.invoker(context.Background(), &command.AcquireJobs{MaxJobs: 0, LockOwner: "n", LockDuration: time.Minute})
	require.ErrorIs(t, err, command.ErrInvalidArgument)

	_, err = e.invoker(context.Background(), &command.AcquireJobs{MaxJobs: 1, LockOwner: "", LockDuration: time.Minute})
	require.ErrorIs(t, err, command.ErrInvalidArgument)

	_, err = e.invoker(context.Background(), &command.AcquireJobs{MaxJobs: 1, LockOwner: "n", LockDuration: 0})
	require.ErrorIs(t, err, command.ErrInvalidArgument)
}

func Test_ExecuteJob_HandlerFailureRollsBack(t *testing.T) {
	e := newEnv(t)

	boom := errors.New("card declined")
	e.addAsyncDefinition(func(ac *process.ActivityContext) error { return boom })

	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-1"})

	result := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute})
	jobID := result.(*core.AcquiredJobs).Groups()[0][0]

	_, err := e.invoker(context.Background(), &command.ExecuteJob{JobID: jobID})
	require.ErrorIs(t, err, boom)

	// The failed attempt left no trace: job still there, lock intact,
	// instance still waiting at the async activity.
	job, err := e.backend.FindJobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, "node-1", job.LockOwner)
	require.Equal(t, 3, job.Retries)

	stored, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Equal(t, "charge", stored.ActivityID)
	require.False(t, stored.IsEnded)
}

func Test_DecrementJobRetries_ReleasesLockAndNotifies(t *testing.T) {
	e := newEnv(t)
	e.addAsyncDefinition(func(ac *process.ActivityContext) error { return errors.New("boom") })

	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-1"})

	result := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute})
	jobID := result.(*core.AcquiredJobs).Groups()[0][0]

	notifiedBefore := e.notified
	e.run(t, &command.DecrementJobRetries{JobID: jobID, Cause: "card declined"})

	job, err := e.backend.FindJobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, 2, job.Retries)
	require.Empty(t, job.LockOwner)
	require.Nil(t, job.LockExpirationTime)
	require.Equal(t, "card declined", job.LastFailure)

	// Both the flush (lock cleared) and the explicit committed listener
	// wake the loop; at least one notification must have fired.
	require.Greater(t, e.notified, notifiedBefore)
}

func Test_DecrementJobRetries_DeadLettersAtZero(t *testing.T) {
	e := newEnv(t)
	e.addAsyncDefinition(func(ac *process.ActivityContext) error { return errors.New("boom") })

	e.run(t, &command.StartProcessInstance{DefinitionID: "billing", InstanceID: "inst-1"})

	result := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute})
	jobID := result.(*core.AcquiredJobs).Groups()[0][0]

	for i := 0; i < 3; i++ {
		e.run(t, &command.DecrementJobRetries{JobID: jobID, Cause: fmt.Sprintf("attempt %d failed", i+1)})
	}

	job, err := e.backend.FindJobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, job.DeadLettered())
	require.Equal(t, "attempt 3 failed", job.LastFailure)

	// Dead-lettered jobs are retained for inspection, never re-acquired.
	dead, err := e.backend.FindDeadLetterJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	acquired := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-2", LockDuration: 5 * time.Minute}).(*core.AcquiredJobs)
	require.Equal(t, 0, acquired.Size())
}

func Test_CancelProcessInstance_TerminatesTree(t *testing.T) {
	e := newEnv(t)

	d := process.NewDefinition("fulfillment")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "fork", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "pick", Behavior: &process.TaskBehavior{}})
	d.AddActivity(&process.Activity{ID: "invoice", Behavior: &process.TaskBehavior{}})
	d.AddTransition("f1", "start", "fork", nil)
	d.AddTransition("f2", "fork", "pick", nil)
	d.AddTransition("f3", "fork", "invoice", nil)
	e.definitions["fulfillment"] = d

	e.run(t, &command.StartProcessInstance{DefinitionID: "fulfillment", InstanceID: "inst-1"})
	e.run(t, &command.CancelProcessInstance{ProcessInstanceID: "inst-1"})

	root, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.True(t, root.IsEnded)

	tx, err := e.backend.BeginTx(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	all, err := tx.GetInstanceExecutions(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func Test_TimerFire_AdvancesWaitingExecution(t *testing.T) {
	e := newEnv(t)

	d := process.NewDefinition("reminder")
	d.AddActivity(&process.Activity{ID: "start", Behavior: &process.PassThroughBehavior{}})
	d.AddActivity(&process.Activity{ID: "wait", Behavior: &process.TimerCatchBehavior{DueDate: "PT15M"}})
	d.AddActivity(&process.Activity{ID: "end", Behavior: &process.EndBehavior{}})
	d.AddTransition("f1", "start", "wait", nil)
	d.AddTransition("f2", "wait", "end", nil)
	e.definitions["reminder"] = d

	e.run(t, &command.StartProcessInstance{DefinitionID: "reminder", InstanceID: "inst-1"})

	// Not due yet.
	acquired := e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute}).(*core.AcquiredJobs)
	require.Equal(t, 0, acquired.Size())

	e.clock.Add(15 * time.Minute)

	acquired = e.run(t, &command.AcquireJobs{MaxJobs: 10, LockOwner: "node-1", LockDuration: 5 * time.Minute}).(*core.AcquiredJobs)
	require.Equal(t, 1, acquired.Size())

	e.run(t, &command.ExecuteJob{JobID: acquired.Groups()[0][0]})

	stored, err := e.backend.FindExecutionByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.True(t, stored.IsEnded)
}
