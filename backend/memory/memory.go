package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// memoryBackend keeps all state in process memory. Transactions take the
// store lock for their whole lifetime, so commands are fully serialized;
// that is acceptable for tests and single-process setups, which is what
// this backend is for.
type memoryBackend struct {
	options backend.Options
	tracer  trace.Tracer

	mu         sync.Mutex
	executions map[string]*core.Execution
	jobs       map[string]*core.Job
}

func NewMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	options := backend.ApplyOptions(opts...)

	return &memoryBackend{
		options:    options,
		tracer:     options.TracerProvider.Tracer(backend.TracerName),
		executions: map[string]*core.Execution{},
		jobs:       map[string]*core.Job{},
	}
}

func (mb *memoryBackend) BeginTx(ctx context.Context) (backend.Tx, error) {
	mb.mu.Lock()

	return &memoryTx{
		b:           mb,
		execs:       map[string]*core.Execution{},
		execDeletes: map[string]bool{},
		jobs:        map[string]*core.Job{},
		jobDeletes:  map[string]bool{},
	}, nil
}

func (mb *memoryBackend) FindJobByID(ctx context.Context, jobID string) (*core.Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	job, ok := mb.jobs[jobID]
	if !ok {
		return nil, backend.ErrJobNotFound
	}

	return job.Clone(), nil
}

func (mb *memoryBackend) FindExecutionByID(ctx context.Context, executionID string) (*core.Execution, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	execution, ok := mb.executions[executionID]
	if !ok {
		return nil, backend.ErrExecutionNotFound
	}

	return execution.Clone(), nil
}

func (mb *memoryBackend) FindUnlockedTimersByDueDate(ctx context.Context, before time.Time, limit int) ([]*core.Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.options.Clock.Now()

	var jobs []*core.Job
	for _, job := range mb.jobs {
		if job.Locked(now) || job.DeadLettered() || !job.DueDate.Before(before) {
			continue
		}

		jobs = append(jobs, job.Clone())
	}

	sortJobsByDueDate(jobs)

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (mb *memoryBackend) FindDeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	var jobs []*core.Job
	for _, job := range mb.jobs {
		if !job.DeadLettered() {
			continue
		}

		jobs = append(jobs, job.Clone())
	}

	sortJobsByDueDate(jobs)

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (mb *memoryBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := mb.options.Clock.Now()
	s := &backend.Stats{}

	for _, execution := range mb.executions {
		if execution.Root() && !execution.IsEnded {
			s.ActiveProcessInstances++
		}
	}

	for _, job := range mb.jobs {
		switch {
		case job.DeadLettered():
			s.DeadLetterJobs++
		case job.Locked(now):
			s.LockedJobs++
		default:
			s.PendingJobs++
		}
	}

	return s, nil
}

func (mb *memoryBackend) Tracer() trace.Tracer {
	return mb.tracer
}

func (mb *memoryBackend) Metrics() metrics.Client {
	return mb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"})
}

func (mb *memoryBackend) Options() *backend.Options {
	return &mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}

func (mb *memoryBackend) FeatureSupported(feature backend.Feature) bool {
	switch feature {
	case backend.Feature_ClusterSafeAcquisition:
		return true
	case backend.Feature_DurableStore:
		return false
	}

	return false
}

// memoryTx stages writes in overlay maps while holding the store lock.
// Commit applies the overlay, Rollback discards it; either way the lock is
// released exactly once.
type memoryTx struct {
	b        *memoryBackend
	complete bool

	execs       map[string]*core.Execution
	execDeletes map[string]bool
	jobs        map[string]*core.Job
	jobDeletes  map[string]bool
}

var errTxCompleted = errors.New("transaction already completed")

func (t *memoryTx) lookupExecution(id string) *core.Execution {
	if t.execDeletes[id] {
		return nil
	}

	if execution, ok := t.execs[id]; ok {
		return execution
	}

	return t.b.executions[id]
}

func (t *memoryTx) lookupJob(id string) *core.Job {
	if t.jobDeletes[id] {
		return nil
	}

	if job, ok := t.jobs[id]; ok {
		return job
	}

	return t.b.jobs[id]
}

func (t *memoryTx) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	execution := t.lookupExecution(executionID)
	if execution == nil {
		return nil, backend.ErrExecutionNotFound
	}

	return execution.Clone(), nil
}

func (t *memoryTx) GetChildExecutions(ctx context.Context, parentID string) ([]*core.Execution, error) {
	return t.selectExecutions(func(e *core.Execution) bool {
		return e.ParentID == parentID
	}), nil
}

func (t *memoryTx) GetInstanceExecutions(ctx context.Context, processInstanceID string) ([]*core.Execution, error) {
	return t.selectExecutions(func(e *core.Execution) bool {
		return e.ProcessInstanceID == processInstanceID
	}), nil
}

func (t *memoryTx) selectExecutions(match func(*core.Execution) bool) []*core.Execution {
	seen := map[string]bool{}
	var result []*core.Execution

	for id, execution := range t.execs {
		seen[id] = true
		if match(execution) {
			result = append(result, execution.Clone())
		}
	}

	for id, execution := range t.b.executions {
		if seen[id] || t.execDeletes[id] {
			continue
		}

		if match(execution) {
			result = append(result, execution.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result
}

func (t *memoryTx) InsertExecution(ctx context.Context, execution *core.Execution) error {
	if t.lookupExecution(execution.ID) != nil {
		if execution.Root() {
			return backend.ErrInstanceAlreadyExists
		}

		return fmt.Errorf("execution %s already exists", execution.ID)
	}

	execution.Version = 1
	t.execs[execution.ID] = execution.Clone()
	delete(t.execDeletes, execution.ID)

	return nil
}

func (t *memoryTx) UpdateExecution(ctx context.Context, execution *core.Execution) error {
	current := t.lookupExecution(execution.ID)
	if current == nil {
		return backend.ErrExecutionNotFound
	}

	if current.Version != execution.Version {
		return backend.ErrConcurrentModification
	}

	execution.Version++
	t.execs[execution.ID] = execution.Clone()

	return nil
}

func (t *memoryTx) DeleteExecution(ctx context.Context, executionID string, version int64) error {
	current := t.lookupExecution(executionID)
	if current == nil {
		return backend.ErrExecutionNotFound
	}

	if current.Version != version {
		return backend.ErrConcurrentModification
	}

	delete(t.execs, executionID)
	t.execDeletes[executionID] = true

	return nil
}

func (t *memoryTx) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	job := t.lookupJob(jobID)
	if job == nil {
		return nil, backend.ErrJobNotFound
	}

	return job.Clone(), nil
}

func (t *memoryTx) GetInstanceJobs(ctx context.Context, processInstanceID string) ([]*core.Job, error) {
	return t.selectJobs(func(j *core.Job) bool {
		return j.ProcessInstanceID == processInstanceID
	}), nil
}

func (t *memoryTx) GetExecutionJobs(ctx context.Context, executionID string) ([]*core.Job, error) {
	return t.selectJobs(func(j *core.Job) bool {
		return j.ExecutionID == executionID
	}), nil
}

func (t *memoryTx) selectJobs(match func(*core.Job) bool) []*core.Job {
	seen := map[string]bool{}
	var result []*core.Job

	for id, job := range t.jobs {
		seen[id] = true
		if match(job) {
			result = append(result, job.Clone())
		}
	}

	for id, job := range t.b.jobs {
		if seen[id] || t.jobDeletes[id] {
			continue
		}

		if match(job) {
			result = append(result, job.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result
}

func (t *memoryTx) InsertJob(ctx context.Context, job *core.Job) error {
	if t.lookupJob(job.ID) != nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	job.Version = 1
	t.jobs[job.ID] = job.Clone()
	delete(t.jobDeletes, job.ID)

	return nil
}

func (t *memoryTx) UpdateJob(ctx context.Context, job *core.Job) error {
	current := t.lookupJob(job.ID)
	if current == nil {
		return backend.ErrJobNotFound
	}

	if current.Version != job.Version {
		return backend.ErrConcurrentModification
	}

	job.Version++
	t.jobs[job.ID] = job.Clone()

	return nil
}

func (t *memoryTx) DeleteJob(ctx context.Context, jobID string, version int64) error {
	current := t.lookupJob(jobID)
	if current == nil {
		return backend.ErrJobNotFound
	}

	if current.Version != version {
		return backend.ErrConcurrentModification
	}

	delete(t.jobs, jobID)
	t.jobDeletes[jobID] = true

	return nil
}

func (t *memoryTx) AcquireJobs(ctx context.Context, maxJobs int, lockOwner string, lockDuration time.Duration, now time.Time) ([]*core.Job, error) {
	var candidates []*core.Job
	for id := range t.b.jobs {
		job := t.lookupJob(id)
		if job != nil && job.Acquirable(now) {
			candidates = append(candidates, job)
		}
	}
	for id, job := range t.jobs {
		if _, inStore := t.b.jobs[id]; inStore {
			continue
		}
		if job.Acquirable(now) {
			candidates = append(candidates, job)
		}
	}

	sortJobsByDueDate(candidates)

	claimed := map[string]bool{}
	var acquired []*core.Job

	claim := func(job *core.Job) {
		c := job.Clone()
		c.LockOwner = lockOwner
		expiry := now.Add(lockDuration)
		c.LockExpirationTime = &expiry
		c.Version++

		t.jobs[c.ID] = c
		claimed[c.ID] = true
		acquired = append(acquired, c.Clone())
	}

	for _, job := range candidates {
		if len(acquired) >= maxJobs {
			break
		}
		if claimed[job.ID] {
			continue
		}

		claim(job)

		// An exclusive claim takes the remaining due exclusive jobs of the
		// instance along, beyond maxJobs, so they run on one slot.
		if job.Exclusive {
			for _, other := range candidates {
				if claimed[other.ID] || !other.Exclusive || other.ProcessInstanceID != job.ProcessInstanceID {
					continue
				}

				claim(other)
			}
		}
	}

	return acquired, nil
}

func (t *memoryTx) Commit() error {
	if t.complete {
		return errTxCompleted
	}
	t.complete = true
	defer t.b.mu.Unlock()

	for id := range t.execDeletes {
		delete(t.b.executions, id)
	}
	for id, execution := range t.execs {
		t.b.executions[id] = execution
	}
	for id := range t.jobDeletes {
		delete(t.b.jobs, id)
	}
	for id, job := range t.jobs {
		t.b.jobs[id] = job
	}

	return nil
}

func (t *memoryTx) Rollback() error {
	if t.complete {
		return nil
	}
	t.complete = true
	t.b.mu.Unlock()

	return nil
}

func sortJobsByDueDate(jobs []*core.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].DueDate.Equal(jobs[j].DueDate) {
			return jobs[i].ID < jobs[j].ID
		}

		return jobs[i].DueDate.Before(jobs[j].DueDate)
	})
}
