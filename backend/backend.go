package backend

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/metrics"
)

var (
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrJobNotFound           = errors.New("job not found")
	ErrInstanceAlreadyExists = errors.New("process instance already exists")

	// ErrConcurrentModification indicates that a write lost a race against
	// another transaction. The enclosing command is rolled back and may be
	// retried as a whole.
	ErrConcurrentModification = errors.New("entity was modified concurrently")
)

const TracerName = "procflow"

type Feature int

const (
	// Feature_ClusterSafeAcquisition indicates that job acquisition is safe
	// against competing engine nodes sharing the same store.
	Feature_ClusterSafeAcquisition Feature = iota

	// Feature_DurableStore indicates that state survives a process restart.
	Feature_DurableStore
)

// Backend is the persistence session the engine runs against. Mutating
// operations go through a Tx so one command's writes commit or roll back
// together; the read-only finders serve queries outside any command.
type Backend interface {
	// BeginTx starts a unit of work. All entity reads and writes of one
	// command execution happen on a single Tx.
	BeginTx(ctx context.Context) (Tx, error)

	// FindJobByID returns the job with the given id, ErrJobNotFound if it
	// does not exist.
	FindJobByID(ctx context.Context, jobID string) (*core.Job, error)

	// FindExecutionByID returns the execution with the given id,
	// ErrExecutionNotFound if it does not exist.
	FindExecutionByID(ctx context.Context, executionID string) (*core.Execution, error)

	// FindUnlockedTimersByDueDate returns up to limit unlocked, non-dead
	// jobs due before the given time, ordered by due date ascending. The
	// acquisition loop uses it to look ahead for its adaptive sleep.
	FindUnlockedTimersByDueDate(ctx context.Context, before time.Time, limit int) ([]*core.Job, error)

	// FindDeadLetterJobs returns up to limit jobs whose retries are
	// exhausted, ordered by due date ascending.
	FindDeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error)

	// GetStats returns stats about the backend
	GetStats(ctx context.Context) (*Stats, error)

	// Tracer returns the configured trace provider for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Options returns the configured options for the backend
	Options() *Options

	// Close closes any underlying resources
	Close() error

	// FeatureSupported returns true if the given feature is supported by the backend
	FeatureSupported(feature Feature) bool
}

// Tx is one transactional unit of work. Update and Delete enforce the
// entity's Version: a write against a stale version returns
// ErrConcurrentModification and the caller has to roll back. Successful
// updates increment the Version on the passed entity.
type Tx interface {
	GetExecution(ctx context.Context, executionID string) (*core.Execution, error)
	GetChildExecutions(ctx context.Context, parentID string) ([]*core.Execution, error)
	GetInstanceExecutions(ctx context.Context, processInstanceID string) ([]*core.Execution, error)
	InsertExecution(ctx context.Context, execution *core.Execution) error
	UpdateExecution(ctx context.Context, execution *core.Execution) error
	DeleteExecution(ctx context.Context, executionID string, version int64) error

	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	GetInstanceJobs(ctx context.Context, processInstanceID string) ([]*core.Job, error)
	GetExecutionJobs(ctx context.Context, executionID string) ([]*core.Job, error)
	InsertJob(ctx context.Context, job *core.Job) error
	UpdateJob(ctx context.Context, job *core.Job) error
	DeleteJob(ctx context.Context, jobID string, version int64) error

	// AcquireJobs atomically claims up to maxJobs jobs that are due,
	// unlocked (or expired) and not dead-lettered, ordered by due date
	// ascending with the job id as tie-break. Claimed jobs get lockOwner
	// and now+lockDuration written; from the perspective of a competing
	// acquirer the claim is atomic. When a claimed job is exclusive, other
	// due exclusive jobs of the same process instance are claimed in the
	// same round, beyond maxJobs if necessary, so they can be dispatched
	// to a single execution slot.
	AcquireJobs(ctx context.Context, maxJobs int, lockOwner string, lockDuration time.Duration, now time.Time) ([]*core.Job, error)

	Commit() error
	Rollback() error
}
