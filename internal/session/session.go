// Package session implements the per-transaction entity cache. Within one
// command execution reads are served from the cache once an entity was
// loaded, new entities are visible to same-transaction queries before they
// are flushed, and the flush only writes entities whose state actually
// changed compared to their copy-on-read snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

type entityState int

const (
	// statePersistent entities were loaded from the store; they are
	// updated on flush when they differ from their snapshot.
	statePersistent entityState = iota

	// stateTransient entities were created in this transaction and are
	// inserted on flush.
	stateTransient

	// stateRemoved entities are deleted on flush (transient ones are
	// simply dropped).
	stateRemoved
)

type cachedExecution struct {
	entity   *core.Execution
	snapshot *core.Execution
	state    entityState
}

type cachedJob struct {
	entity   *core.Job
	snapshot *core.Job
	state    entityState
}

// ExecutionMatcher matches executions against a cached-but-not-yet-flushed
// result set.
type ExecutionMatcher func(*core.Execution) bool

// JobMatcher matches jobs against a cached-but-not-yet-flushed result set.
type JobMatcher func(*core.Job) bool

type Session struct {
	tx backend.Tx

	executions map[string]*cachedExecution
	jobs       map[string]*cachedJob
}

func New(tx backend.Tx) *Session {
	return &Session{
		tx:         tx,
		executions: map[string]*cachedExecution{},
		jobs:       map[string]*cachedJob{},
	}
}

// Tx exposes the underlying transaction for operations that bypass the
// cache, like the atomic job acquisition.
func (s *Session) Tx() backend.Tx {
	return s.tx
}

// GetExecution returns the execution with the given id, consulting the
// cache first.
func (s *Session) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	if ce, ok := s.executions[executionID]; ok {
		if ce.state == stateRemoved {
			return nil, backend.ErrExecutionNotFound
		}

		return ce.entity, nil
	}

	execution, err := s.tx.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.executions[executionID] = &cachedExecution{
		entity:   execution,
		snapshot: execution.Clone(),
		state:    statePersistent,
	}

	return execution, nil
}

// GetChildExecutions returns the child executions of the given parent,
// merging store results with executions created in this transaction.
func (s *Session) GetChildExecutions(ctx context.Context, parentID string) ([]*core.Execution, error) {
	loaded, err := s.tx.GetChildExecutions(ctx, parentID)
	if err != nil {
		return nil, err
	}

	return s.mergeExecutions(loaded, func(e *core.Execution) bool {
		return e.ParentID == parentID
	}), nil
}

// GetInstanceExecutions returns all executions of the given process
// instance, merging store results with executions created in this
// transaction.
func (s *Session) GetInstanceExecutions(ctx context.Context, processInstanceID string) ([]*core.Execution, error) {
	loaded, err := s.tx.GetInstanceExecutions(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	return s.mergeExecutions(loaded, func(e *core.Execution) bool {
		return e.ProcessInstanceID == processInstanceID
	}), nil
}

// CreateExecution registers a new execution to be inserted on flush. It is
// immediately visible to reads within this transaction.
func (s *Session) CreateExecution(execution *core.Execution) {
	s.executions[execution.ID] = &cachedExecution{
		entity: execution,
		state:  stateTransient,
	}
}

// RemoveExecution marks the execution for deletion on flush.
func (s *Session) RemoveExecution(executionID string) {
	ce, ok := s.executions[executionID]
	if !ok {
		// Not loaded in this transaction; cache a tombstone so the flush
		// issues the delete and reads treat it as gone.
		s.executions[executionID] = &cachedExecution{
			entity: &core.Execution{ID: executionID},
			state:  stateRemoved,
		}
		return
	}

	if ce.state == stateTransient {
		delete(s.executions, executionID)
		return
	}

	ce.state = stateRemoved
}

// GetJob returns the job with the given id, consulting the cache first.
func (s *Session) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	if cj, ok := s.jobs[jobID]; ok {
		if cj.state == stateRemoved {
			return nil, backend.ErrJobNotFound
		}

		return cj.entity, nil
	}

	job, err := s.tx.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.jobs[jobID] = &cachedJob{
		entity:   job,
		snapshot: job.Clone(),
		state:    statePersistent,
	}

	return job, nil
}

// GetInstanceJobs returns all jobs of the given process instance, merging
// store results with jobs created in this transaction.
func (s *Session) GetInstanceJobs(ctx context.Context, processInstanceID string) ([]*core.Job, error) {
	loaded, err := s.tx.GetInstanceJobs(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}

	return s.mergeJobs(loaded, func(j *core.Job) bool {
		return j.ProcessInstanceID == processInstanceID
	}), nil
}

// GetExecutionJobs returns all jobs bound to the given execution, merging
// store results with jobs created in this transaction.
func (s *Session) GetExecutionJobs(ctx context.Context, executionID string) ([]*core.Job, error) {
	loaded, err := s.tx.GetExecutionJobs(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.mergeJobs(loaded, func(j *core.Job) bool {
		return j.ExecutionID == executionID
	}), nil
}

// CreateJob registers a new job to be inserted on flush. It is immediately
// visible to reads within this transaction.
func (s *Session) CreateJob(job *core.Job) {
	s.jobs[job.ID] = &cachedJob{
		entity: job,
		state:  stateTransient,
	}
}

// RemoveJob marks the job for deletion on flush.
func (s *Session) RemoveJob(jobID string) {
	cj, ok := s.jobs[jobID]
	if !ok {
		s.jobs[jobID] = &cachedJob{
			entity: &core.Job{ID: jobID},
			state:  stateRemoved,
		}
		return
	}

	if cj.state == stateTransient {
		delete(s.jobs, jobID)
		return
	}

	cj.state = stateRemoved
}

// FindCachedJobs returns jobs already present in the cache that match the
// given predicate, without hitting the store.
func (s *Session) FindCachedJobs(matcher JobMatcher) []*core.Job {
	var jobs []*core.Job
	for _, cj := range s.jobs {
		if cj.state != stateRemoved && matcher(cj.entity) {
			jobs = append(jobs, cj.entity)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	return jobs
}

// mergeExecutions replaces loaded entities with their cached instances,
// drops removed ones and appends matching transient ones.
func (s *Session) mergeExecutions(loaded []*core.Execution, matcher ExecutionMatcher) []*core.Execution {
	result := make([]*core.Execution, 0, len(loaded))

	for _, e := range loaded {
		if ce, ok := s.executions[e.ID]; ok {
			if ce.state == stateRemoved {
				continue
			}

			result = append(result, ce.entity)
			continue
		}

		s.executions[e.ID] = &cachedExecution{
			entity:   e,
			snapshot: e.Clone(),
			state:    statePersistent,
		}

		result = append(result, e)
	}

	for _, ce := range s.executions {
		if ce.state != stateTransient || !matcher(ce.entity) {
			continue
		}

		result = append(result, ce.entity)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

func (s *Session) mergeJobs(loaded []*core.Job, matcher JobMatcher) []*core.Job {
	result := make([]*core.Job, 0, len(loaded))

	for _, j := range loaded {
		if cj, ok := s.jobs[j.ID]; ok {
			if cj.state == stateRemoved {
				continue
			}

			result = append(result, cj.entity)
			continue
		}

		s.jobs[j.ID] = &cachedJob{
			entity:   j,
			snapshot: j.Clone(),
			state:    statePersistent,
		}

		result = append(result, j)
	}

	for _, cj := range s.jobs {
		if cj.state != stateTransient || !matcher(cj.entity) {
			continue
		}

		result = append(result, cj.entity)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

// FlushResult reports side effects of a flush the caller acts on after the
// commit is durable.
type FlushResult struct {
	// JobsAdded is true when the flush wrote a job that is (or will
	// become) eligible for acquisition, so local acquisition loops should
	// be woken after commit.
	JobsAdded bool
}

// Flush writes the cache to the store: transient entities are inserted,
// persistent entities are updated only when their comparable fields differ
// from the copy-on-read snapshot, removed entities are deleted.
//
// Process-instance serialization: when a non-root execution of an instance
// is written, the instance's root execution row is version-bumped in the
// same transaction, so concurrent commands mutating the same execution tree
// conflict instead of interleaving.
func (s *Session) Flush(ctx context.Context) (*FlushResult, error) {
	result := &FlushResult{}

	var inserts, updates, removes []*cachedExecution
	written := map[string]bool{}

	for _, ce := range s.executions {
		switch ce.state {
		case stateTransient:
			inserts = append(inserts, ce)
			written[ce.entity.ID] = true
		case statePersistent:
			if ce.entity.ChangedSince(ce.snapshot) {
				updates = append(updates, ce)
				written[ce.entity.ID] = true
			}
		case stateRemoved:
			removes = append(removes, ce)
			written[ce.entity.ID] = true
		}
	}

	sortExecutions(inserts)
	sortExecutions(updates)
	sortExecutions(removes)

	for _, ce := range inserts {
		if err := s.tx.InsertExecution(ctx, ce.entity); err != nil {
			return nil, fmt.Errorf("inserting execution %s: %w", ce.entity.ID, err)
		}
	}

	var jobInserts, jobUpdates, jobRemoves []*cachedJob

	for _, cj := range s.jobs {
		switch cj.state {
		case stateTransient:
			jobInserts = append(jobInserts, cj)
		case statePersistent:
			if cj.entity.ChangedSince(cj.snapshot) {
				jobUpdates = append(jobUpdates, cj)
			}
		case stateRemoved:
			jobRemoves = append(jobRemoves, cj)
		}
	}

	sortJobs(jobInserts)
	sortJobs(jobUpdates)
	sortJobs(jobRemoves)

	for _, cj := range jobInserts {
		if err := s.tx.InsertJob(ctx, cj.entity); err != nil {
			return nil, fmt.Errorf("inserting job %s: %w", cj.entity.ID, err)
		}

		result.JobsAdded = true
	}

	for _, ce := range updates {
		if err := s.tx.UpdateExecution(ctx, ce.entity); err != nil {
			return nil, fmt.Errorf("updating execution %s: %w", ce.entity.ID, err)
		}
	}

	if err := s.touchRootExecutions(ctx, written); err != nil {
		return nil, err
	}

	for _, cj := range jobUpdates {
		if err := s.tx.UpdateJob(ctx, cj.entity); err != nil {
			return nil, fmt.Errorf("updating job %s: %w", cj.entity.ID, err)
		}

		// A cleared lock makes the job re-acquirable, e.g. after a retry
		// decrement.
		if cj.entity.LockOwner == "" && !cj.entity.DeadLettered() && cj.snapshot.LockOwner != "" {
			result.JobsAdded = true
		}
	}

	for _, cj := range jobRemoves {
		if err := s.tx.DeleteJob(ctx, cj.entity.ID, cj.entity.Version); err != nil {
			if errors.Is(err, backend.ErrJobNotFound) {
				continue
			}

			return nil, fmt.Errorf("deleting job %s: %w", cj.entity.ID, err)
		}
	}

	for _, ce := range removes {
		if err := s.tx.DeleteExecution(ctx, ce.entity.ID, ce.entity.Version); err != nil {
			if errors.Is(err, backend.ErrExecutionNotFound) {
				continue
			}

			return nil, fmt.Errorf("deleting execution %s: %w", ce.entity.ID, err)
		}
	}

	return result, nil
}

// touchRootExecutions version-bumps the root execution of every instance
// whose tree was mutated, unless the root itself was already written.
func (s *Session) touchRootExecutions(ctx context.Context, written map[string]bool) error {
	instances := map[string]bool{}

	for id := range written {
		ce := s.executions[id]
		if ce.entity.ProcessInstanceID != "" && !ce.entity.Root() {
			instances[ce.entity.ProcessInstanceID] = true
		}
	}

	roots := make([]string, 0, len(instances))
	for instanceID := range instances {
		if !written[instanceID] {
			roots = append(roots, instanceID)
		}
	}

	sort.Strings(roots)

	for _, instanceID := range roots {
		root, err := s.GetExecution(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("loading root execution %s: %w", instanceID, err)
		}

		if err := s.tx.UpdateExecution(ctx, root); err != nil {
			return fmt.Errorf("locking root execution %s: %w", instanceID, err)
		}
	}

	return nil
}

func sortExecutions(entries []*cachedExecution) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].entity.ID < entries[j].entity.ID })
}

func sortJobs(entries []*cachedJob) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].entity.ID < entries[j].entity.ID })
}
