package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

//go:embed schema.sql
var schema string

// NewInMemoryBackend creates a sqlite backend backed by an in-memory
// database, suitable for tests.
func NewInMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	b := newSqliteBackend("file::memory:", opts...)

	b.db.SetMaxOpenConns(1)

	return b
}

// NewSqliteBackend creates a backend storing its state in the sqlite
// database at the given path, creating the file if necessary.
func NewSqliteBackend(path string, opts ...backend.BackendOption) backend.Backend {
	return newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)", path), opts...)
}

func newSqliteBackend(dsn string, opts ...backend.BackendOption) *sqliteBackend {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing schema: %w", err))
	}

	options := backend.ApplyOptions(opts...)

	return &sqliteBackend{
		db:      db,
		options: options,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
	}
}

type sqliteBackend struct {
	db      *sql.DB
	options backend.Options
	tracer  trace.Tracer
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) BeginTx(ctx context.Context) (backend.Tx, error) {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

func (sb *sqliteBackend) FindJobByID(ctx context.Context, jobID string) (*core.Job, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		jobID,
	)

	return scanJob(row)
}

func (sb *sqliteBackend) FindExecutionByID(ctx context.Context, executionID string) (*core.Execution, error) {
	row := sb.db.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		executionID,
	)

	return scanExecution(row)
}

func (sb *sqliteBackend) FindUnlockedTimersByDueDate(ctx context.Context, before time.Time, limit int) ([]*core.Job, error) {
	now := sb.options.Clock.Now()

	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
			WHERE retries > 0
				AND due_date < ?
				AND (lock_owner = '' OR lock_expiration_time <= ?)
			ORDER BY due_date, id
			LIMIT ?`,
		before,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unlocked timers: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (sb *sqliteBackend) FindDeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE retries <= 0 ORDER BY due_date, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (sb *sqliteBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	s := &backend.Stats{}

	row := sb.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM executions WHERE parent_id = '' AND is_ended = 0",
	)
	if err := row.Scan(&s.ActiveProcessInstances); err != nil {
		return nil, fmt.Errorf("counting active process instances: %w", err)
	}

	now := sb.options.Clock.Now()

	row = sb.db.QueryRowContext(
		ctx,
		`SELECT
			COUNT(CASE WHEN retries <= 0 THEN 1 END),
			COUNT(CASE WHEN retries > 0 AND lock_owner <> '' AND lock_expiration_time > ? THEN 1 END),
			COUNT(CASE WHEN retries > 0 AND (lock_owner = '' OR lock_expiration_time <= ?) THEN 1 END)
			FROM jobs`,
		now,
		now,
	)
	if err := row.Scan(&s.DeadLetterJobs, &s.LockedJobs, &s.PendingJobs); err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	return s, nil
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.tracer
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "sqlite"})
}

func (sb *sqliteBackend) Options() *backend.Options {
	return &sb.options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) FeatureSupported(feature backend.Feature) bool {
	switch feature {
	case backend.Feature_ClusterSafeAcquisition:
		// sqlite serializes writers, but the database is local to one host.
		return false
	case backend.Feature_DurableStore:
		return true
	}

	return false
}

type sqliteTx struct {
	tx *sql.Tx
}

var _ backend.Tx = (*sqliteTx)(nil)

func (t *sqliteTx) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	row := t.tx.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		executionID,
	)

	return scanExecution(row)
}

func (t *sqliteTx) GetChildExecutions(ctx context.Context, parentID string) ([]*core.Execution, error) {
	rows, err := t.tx.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE parent_id = ? ORDER BY id`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying child executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

func (t *sqliteTx) GetInstanceExecutions(ctx context.Context, processInstanceID string) ([]*core.Execution, error) {
	rows, err := t.tx.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE process_instance_id = ? ORDER BY id`,
		processInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying instance executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

func (t *sqliteTx) InsertExecution(ctx context.Context, execution *core.Execution) error {
	execution.Version = 1

	variables, err := marshalVariables(execution.Variables)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO executions
			(id, parent_id, process_instance_id, process_definition_id, activity_id, is_active, is_scope, is_concurrent, is_ended, variables, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID,
		execution.ParentID,
		execution.ProcessInstanceID,
		execution.ProcessDefinitionID,
		execution.ActivityID,
		execution.IsActive,
		execution.IsScope,
		execution.IsConcurrent,
		execution.IsEnded,
		variables,
		execution.Version,
		execution.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		if execution.Root() {
			return backend.ErrInstanceAlreadyExists
		}

		return fmt.Errorf("execution %s already exists", execution.ID)
	}

	return nil
}

func (t *sqliteTx) UpdateExecution(ctx context.Context, execution *core.Execution) error {
	variables, err := marshalVariables(execution.Variables)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(
		ctx,
		`UPDATE executions
			SET parent_id = ?, activity_id = ?, is_active = ?, is_scope = ?, is_concurrent = ?, is_ended = ?, variables = ?, version = version + 1
			WHERE id = ? AND version = ?`,
		execution.ParentID,
		execution.ActivityID,
		execution.IsActive,
		execution.IsScope,
		execution.IsConcurrent,
		execution.IsEnded,
		variables,
		execution.ID,
		execution.Version,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return t.executionWriteConflict(ctx, execution.ID)
	}

	execution.Version++

	return nil
}

func (t *sqliteTx) DeleteExecution(ctx context.Context, executionID string, version int64) error {
	res, err := t.tx.ExecContext(
		ctx,
		`DELETE FROM executions WHERE id = ? AND version = ?`,
		executionID,
		version,
	)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return t.executionWriteConflict(ctx, executionID)
	}

	return nil
}

// executionWriteConflict decides why a versioned write missed: the row is
// gone, or another transaction bumped the version first.
func (t *sqliteTx) executionWriteConflict(ctx context.Context, executionID string) error {
	row := t.tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, executionID)

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.ErrExecutionNotFound
		}

		return err
	}

	return backend.ErrConcurrentModification
}

func (t *sqliteTx) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	row := t.tx.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		jobID,
	)

	return scanJob(row)
}

func (t *sqliteTx) GetInstanceJobs(ctx context.Context, processInstanceID string) ([]*core.Job, error) {
	rows, err := t.tx.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE process_instance_id = ? ORDER BY id`,
		processInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying instance jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (t *sqliteTx) GetExecutionJobs(ctx context.Context, executionID string) ([]*core.Job, error) {
	rows, err := t.tx.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE execution_id = ? ORDER BY id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (t *sqliteTx) InsertJob(ctx context.Context, job *core.Job) error {
	job.Version = 1

	res, err := t.tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO jobs
			(id, execution_id, process_instance_id, due_date, lock_owner, lock_expiration_time, retries, exclusive, handler_type, handler_config, last_failure, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ExecutionID,
		job.ProcessInstanceID,
		job.DueDate,
		job.LockOwner,
		job.LockExpirationTime,
		job.Retries,
		job.Exclusive,
		job.HandlerType,
		job.HandlerConfig,
		job.LastFailure,
		job.Version,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	return nil
}

func (t *sqliteTx) UpdateJob(ctx context.Context, job *core.Job) error {
	res, err := t.tx.ExecContext(
		ctx,
		`UPDATE jobs
			SET due_date = ?, lock_owner = ?, lock_expiration_time = ?, retries = ?, last_failure = ?, version = version + 1
			WHERE id = ? AND version = ?`,
		job.DueDate,
		job.LockOwner,
		job.LockExpirationTime,
		job.Retries,
		job.LastFailure,
		job.ID,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return t.jobWriteConflict(ctx, job.ID)
	}

	job.Version++

	return nil
}

func (t *sqliteTx) DeleteJob(ctx context.Context, jobID string, version int64) error {
	res, err := t.tx.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE id = ? AND version = ?`,
		jobID,
		version,
	)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return t.jobWriteConflict(ctx, jobID)
	}

	return nil
}

func (t *sqliteTx) jobWriteConflict(ctx context.Context, jobID string) error {
	row := t.tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID)

	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.ErrJobNotFound
		}

		return err
	}

	return backend.ErrConcurrentModification
}

func (t *sqliteTx) AcquireJobs(ctx context.Context, maxJobs int, lockOwner string, lockDuration time.Duration, now time.Time) ([]*core.Job, error) {
	expiry := now.Add(lockDuration)

	var acquired []*core.Job

	for len(acquired) < maxJobs {
		// Claim the next due job. The sqlite driver does not support LIMIT
		// on UPDATE, hence the rowid sub-query.
		row := t.tx.QueryRowContext(
			ctx,
			`UPDATE jobs
				SET lock_owner = ?, lock_expiration_time = ?, version = version + 1
				WHERE rowid = (
					SELECT rowid FROM jobs
						WHERE retries > 0
							AND due_date <= ?
							AND (lock_owner = '' OR lock_expiration_time <= ?)
						ORDER BY due_date, id
						LIMIT 1
				) RETURNING `+jobColumns,
			lockOwner,
			expiry,
			now,
			now,
		)

		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, backend.ErrJobNotFound) {
				break
			}

			return nil, fmt.Errorf("locking job: %w", err)
		}

		acquired = append(acquired, job)

		if !job.Exclusive {
			continue
		}

		// Take the remaining due exclusive jobs of the same instance along,
		// beyond maxJobs if necessary, so they run on a single slot.
		rows, err := t.tx.QueryContext(
			ctx,
			`UPDATE jobs
				SET lock_owner = ?, lock_expiration_time = ?, version = version + 1
				WHERE process_instance_id = ?
					AND exclusive = 1
					AND retries > 0
					AND due_date <= ?
					AND (lock_owner = '' OR lock_expiration_time <= ?)
				RETURNING `+jobColumns,
			lockOwner,
			expiry,
			job.ProcessInstanceID,
			now,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("locking exclusive jobs: %w", err)
		}

		siblings, err := scanJobs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}

		// RETURNING rows come back in no particular order.
		sort.Slice(siblings, func(i, j int) bool {
			if siblings[i].DueDate.Equal(siblings[j].DueDate) {
				return siblings[i].ID < siblings[j].ID
			}

			return siblings[i].DueDate.Before(siblings[j].DueDate)
		})

		acquired = append(acquired, siblings...)
	}

	return acquired, nil
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}
