package core

import (
	"time"
)

// Job handler types provided by the engine.
const (
	JobHandlerAsyncContinue = "async-continue"
	JobHandlerTimerFire     = "timer-fire"
)

// Job is a unit of deferred work: a timer, an asynchronous continuation, or
// a retried failure.
type Job struct {
	ID string `json:"id"`

	// ExecutionID is the execution the job will advance when it fires.
	ExecutionID string `json:"execution_id"`

	ProcessInstanceID string `json:"process_instance_id"`

	// DueDate is the earliest point in time the job may be acquired.
	DueDate time.Time `json:"due_date"`

	// LockOwner is the node identity currently holding the job, empty when
	// the job is unlocked.
	LockOwner string `json:"lock_owner,omitempty"`

	// LockExpirationTime is the deadline after which the claim is void and
	// another node may re-acquire the job.
	LockExpirationTime *time.Time `json:"lock_expiration_time,omitempty"`

	// Retries is the number of execution attempts left. A job with zero
	// retries is dead-lettered: retained for inspection, never acquired.
	Retries int `json:"retries"`

	// Exclusive jobs of one process instance must not run concurrently,
	// cluster-wide.
	Exclusive bool `json:"exclusive"`

	HandlerType   string `json:"handler_type"`
	HandlerConfig string `json:"handler_config,omitempty"`

	// LastFailure records the most recent failure cause.
	LastFailure string `json:"last_failure,omitempty"`

	// Version is the optimistic locking version of the persisted row.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
}

// Locked reports whether the job holds an unexpired claim at the given time.
func (j *Job) Locked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

// Acquirable reports whether the job is eligible for acquisition: unlocked
// (or expired lock), due, and not dead-lettered.
func (j *Job) Acquirable(now time.Time) bool {
	return !j.Locked(now) && j.Retries > 0 && !j.DueDate.After(now)
}

// DeadLettered reports whether the job has exhausted its retries.
func (j *Job) DeadLettered() bool {
	return j.Retries <= 0
}

// ClearLock releases the job's claim so it becomes eligible for
// re-acquisition.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockExpirationTime = nil
}

// EntityID implements the cached-entity contract.
func (j *Job) EntityID() string {
	return j.ID
}

// Clone returns a deep copy, used as the copy-on-read snapshot for dirty
// checking.
func (j *Job) Clone() *Job {
	c := *j
	if j.LockExpirationTime != nil {
		t := *j.LockExpirationTime
		c.LockExpirationTime = &t
	}

	return &c
}

// ChangedSince compares the job against a snapshot taken when it was loaded
// and reports whether a flush has to write it.
func (j *Job) ChangedSince(snapshot *Job) bool {
	if !j.DueDate.Equal(snapshot.DueDate) ||
		j.LockOwner != snapshot.LockOwner ||
		j.Retries != snapshot.Retries ||
		j.Exclusive != snapshot.Exclusive ||
		j.HandlerType != snapshot.HandlerType ||
		j.HandlerConfig != snapshot.HandlerConfig ||
		j.LastFailure != snapshot.LastFailure {
		return true
	}

	switch {
	case j.LockExpirationTime == nil && snapshot.LockExpirationTime == nil:
	case j.LockExpirationTime == nil || snapshot.LockExpirationTime == nil:
		return true
	case !j.LockExpirationTime.Equal(*snapshot.LockExpirationTime):
		return true
	}

	return false
}
