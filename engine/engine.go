// Package engine is the public facade of procflow: it assembles the
// command interceptor stack over a backend and exposes the engine
// operations (starting instances, signalling, job acquisition and
// execution) that external callers and the job executor run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/command"
	"github.com/procflow/procflow/internal/interceptor"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
	"github.com/procflow/procflow/process"
)

var (
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrInvalidArgument marks caller-fault validation failures; they are
	// never retried.
	ErrInvalidArgument = command.ErrInvalidArgument

	ErrExecutionNotActive = command.ErrExecutionNotActive
)

// DefinitionProvider resolves process definitions by id, e.g. a parser over
// deployed BPMN resources.
type DefinitionProvider interface {
	Definition(ctx context.Context, definitionID string) (*process.Definition, error)
}

// JobHandler executes one job type. The engine registers handlers for
// async continuations and timers itself.
type JobHandler = command.JobHandler

// HandlerContext is the command context a job handler runs in.
type HandlerContext = command.Context

type Engine struct {
	backend  backend.Backend
	options  *Options
	provider DefinitionProvider

	invoker interceptor.Invoker

	definitionCache *ttlcache.Cache[string, *process.Definition]

	handlersMu sync.RWMutex
	handlers   map[string]command.JobHandler

	listenersMu sync.RWMutex
	listeners   []func()
}

func New(b backend.Backend, provider DefinitionProvider, opts ...Option) *Engine {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	e := &Engine{
		backend:  b,
		options:  &options,
		provider: provider,
		handlers: map[string]command.JobHandler{},
	}

	e.definitionCache = ttlcache.New(
		ttlcache.WithCapacity[string, *process.Definition](uint64(options.DefinitionCacheSize)),
		ttlcache.WithTTL[string, *process.Definition](options.DefinitionCacheTTL),
	)
	go e.definitionCache.Start()

	for _, h := range []command.JobHandler{&command.AsyncContinueHandler{}, &command.TimerFireHandler{}} {
		e.handlers[h.Type()] = h
	}

	base := interceptor.TxSession(b, &interceptor.Services{
		Definitions: e,
		Handlers:    e,
		Notifier:    e,
	})

	e.invoker = interceptor.Chain(base,
		interceptor.Log(b.Options().Logger),
		interceptor.Trace(b.Tracer()),
		interceptor.Metrics(b.Metrics()),
		interceptor.ConcurrencyRetry(options.CommandRetryAttempts, b.Options().Logger, b.Metrics()),
	)

	return e
}

// Close releases engine-owned resources. The backend stays open, its owner
// closes it.
func (e *Engine) Close() error {
	e.definitionCache.Stop()
	return nil
}

func (e *Engine) Backend() backend.Backend {
	return e.backend
}

func (e *Engine) Logger() *slog.Logger {
	return e.backend.Options().Logger
}

func (e *Engine) Metrics() metrics.Client {
	return e.backend.Metrics()
}

func (e *Engine) Clock() clock.Clock {
	return e.backend.Options().Clock
}

// RegisterJobHandler adds a handler for a custom job type.
func (e *Engine) RegisterJobHandler(h JobHandler) error {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if _, ok := e.handlers[h.Type()]; ok {
		return fmt.Errorf("job handler %q already registered", h.Type())
	}

	e.handlers[h.Type()] = h

	return nil
}

// RegisterJobAddedListener subscribes to "a job became available" commit
// notifications; the local acquisition loop uses this to cut its sleep
// short.
func (e *Engine) RegisterJobAddedListener(listener func()) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.listeners = append(e.listeners, listener)
}

// StartProcessInstance starts a new instance of the given definition and
// returns its root execution.
func (e *Engine) StartProcessInstance(ctx context.Context, definitionID string, variables map[string]any) (*core.Execution, error) {
	result, err := e.invoker(ctx, &command.StartProcessInstance{
		DefinitionID: definitionID,
		Variables:    variables,
	})
	if err != nil {
		return nil, err
	}

	e.Metrics().Counter(metrickeys.ProcessInstanceStarted, metrics.Tags{metrickeys.ProcessDefinition: definitionID}, 1)

	return result.(*core.Execution), nil
}

// Signal delivers an external trigger to a waiting execution, e.g.
// completing a user task. A payload of map[string]any is applied as
// variables.
func (e *Engine) Signal(ctx context.Context, executionID string, payload any) error {
	_, err := e.invoker(ctx, &command.SignalExecution{
		ExecutionID: executionID,
		Payload:     payload,
	})

	return err
}

// CancelProcessInstance forcibly terminates a process instance.
func (e *Engine) CancelProcessInstance(ctx context.Context, processInstanceID string) error {
	_, err := e.invoker(ctx, &command.CancelProcessInstance{
		ProcessInstanceID: processInstanceID,
	})

	return err
}

// AcquireJobs claims up to maxJobs due jobs for this node, using the
// backend's configured lock owner and lock timeout.
func (e *Engine) AcquireJobs(ctx context.Context, maxJobs int) (*core.AcquiredJobs, error) {
	options := e.backend.Options()

	result, err := e.invoker(ctx, &command.AcquireJobs{
		MaxJobs:      maxJobs,
		LockOwner:    options.LockOwner,
		LockDuration: options.JobLockTimeout,
	})
	if err != nil {
		return nil, err
	}

	acquired := result.(*core.AcquiredJobs)
	if acquired.Size() > 0 {
		e.Metrics().Counter(metrickeys.JobsAcquired, metrics.Tags{}, float64(acquired.Size()))
	}

	return acquired, nil
}

// ExecuteJob runs a previously acquired job.
func (e *Engine) ExecuteJob(ctx context.Context, jobID string) error {
	_, err := e.invoker(ctx, &command.ExecuteJob{JobID: jobID})
	if err != nil {
		return err
	}

	e.Metrics().Counter(metrickeys.JobExecuted, metrics.Tags{}, 1)

	return nil
}

// OnJobFailure routes a failed job execution to retry handling: retries are
// decremented, the lock is cleared and the cause is retained.
func (e *Engine) OnJobFailure(ctx context.Context, jobID string, cause string) error {
	_, err := e.invoker(ctx, &command.DecrementJobRetries{
		JobID: jobID,
		Cause: cause,
	})
	if err != nil {
		return err
	}

	e.Metrics().Counter(metrickeys.JobFailed, metrics.Tags{}, 1)

	return nil
}

// NextJobDue returns the due date of the earliest unlocked job becoming due
// before the given horizon, or nil if there is none.
func (e *Engine) NextJobDue(ctx context.Context, before time.Time) (*time.Time, error) {
	jobs, err := e.backend.FindUnlockedTimersByDueDate(ctx, before, 1)
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	due := jobs[0].DueDate

	return &due, nil
}

// GetExecution returns an execution by id.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	return e.backend.FindExecutionByID(ctx, executionID)
}

// GetJob returns a job by id, including dead-lettered jobs.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return e.backend.FindJobByID(ctx, jobID)
}

// GetDeadLetterJobs lists jobs whose retries are exhausted.
func (e *Engine) GetDeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	return e.backend.FindDeadLetterJobs(ctx, limit)
}

// GetStats returns stats about the backing store.
func (e *Engine) GetStats(ctx context.Context) (*backend.Stats, error) {
	return e.backend.GetStats(ctx)
}

// ResolveDefinition implements the command.DefinitionResolver seam with a
// TTL cache in front of the registered provider.
func (e *Engine) ResolveDefinition(ctx context.Context, definitionID string) (*process.Definition, error) {
	if item := e.definitionCache.Get(definitionID); item != nil {
		return item.Value(), nil
	}

	definition, err := e.provider.Definition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	if err := definition.Validate(); err != nil {
		return nil, fmt.Errorf("definition %s: %w", definitionID, err)
	}

	e.definitionCache.Set(definitionID, definition, ttlcache.DefaultTTL)

	return definition, nil
}

// JobHandler implements the command.HandlerResolver seam.
func (e *Engine) JobHandler(handlerType string) (command.JobHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	h, ok := e.handlers[handlerType]

	return h, ok
}

// NotifyJobAdded implements the command.JobNotifier seam by fanning out to
// the registered listeners.
func (e *Engine) NotifyJobAdded() {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()

	for _, listener := range e.listeners {
		listener()
	}
}
