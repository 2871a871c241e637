package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"

	_ "github.com/go-sql-driver/mysql"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewMysqlBackend creates a backend storing its state in the given mysql
// database. Unless disabled, pending schema migrations are applied first.
func NewMysqlBackend(host string, port int, user, password, database string, opts ...option) backend.Backend {
	options := &options{
		Options:         backend.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	b := &mysqlBackend{
		dsn:     dsn,
		db:      db,
		options: options,
		tracer:  options.TracerProvider.Tracer(backend.TracerName),
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

type mysqlBackend struct {
	dsn     string
	db      *sql.DB
	options *options
	tracer  trace.Tracer
}

var _ backend.Backend = (*mysqlBackend)(nil)

// Migrate applies any pending database migrations. The migrate driver
// needs multiStatements, so it runs on its own connection.
func (mb *mysqlBackend) Migrate() error {
	schemaDB, err := sql.Open("mysql", mb.dsn+"&multiStatements=true")
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}
	defer schemaDB.Close()

	dbi, err := migratemysql.WithInstance(schemaDB, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (mb *mysqlBackend) BeginTx(ctx context.Context) (backend.Tx, error) {
	tx, err := mb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return &mysqlTx{tx: tx}, nil
}

func (mb *mysqlBackend) FindJobByID(ctx context.Context, jobID string) (*core.Job, error) {
	row := mb.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		jobID,
	)

	return scanJob(row)
}

func (mb *mysqlBackend) FindExecutionByID(ctx context.Context, executionID string) (*core.Execution, error) {
	row := mb.db.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		executionID,
	)

	return scanExecution(row)
}

func (mb *mysqlBackend) FindUnlockedTimersByDueDate(ctx context.Context, before time.Time, limit int) ([]*core.Job, error) {
	now := mb.options.Clock.Now()

	rows, err := mb.db.QueryContext(
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

func (mb *mysqlBackend) FindDeadLetterJobs(ctx context.Context, limit int) ([]*core.Job, error) {
	rows, err := mb.db.QueryContext(
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

func (mb *mysqlBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	s := &backend.Stats{}

	row := mb.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM executions WHERE parent_id = '' AND is_ended = 0",
	)
	if err := row.Scan(&s.ActiveProcessInstances); err != nil {
		return nil, fmt.Errorf("counting active process instances: %w", err)
	}

	now := mb.options.Clock.Now()

	row = mb.db.QueryRowContext(
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

func (mb *mysqlBackend) Tracer() trace.Tracer {
	return mb.tracer
}

func (mb *mysqlBackend) Metrics() metrics.Client {
	return mb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"})
}

func (mb *mysqlBackend) Options() *backend.Options {
	return &mb.options.Options
}

func (mb *mysqlBackend) Close() error {
	return mb.db.Close()
}

func (mb *mysqlBackend) FeatureSupported(feature backend.Feature) bool {
	return true
}

type mysqlTx struct {
	tx *sql.Tx
}

var _ backend.Tx = (*mysqlTx)(nil)

func (t *mysqlTx) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	row := t.tx.QueryRowContext(
		ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`,
		executionID,
	)

	return scanExecution(row)
}

func (t *mysqlTx) GetChildExecutions(ctx context.Context, parentID string) ([]*core.Execution, error) {
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

func (t *mysqlTx) GetInstanceExecutions(ctx context.Context, processInstanceID string) ([]*core.Execution, error) {
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

func (t *mysqlTx) InsertExecution(ctx context.Context, execution *core.Execution) error {
	execution.Version = 1

	variables, err := marshalVariables(execution.Variables)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(
		ctx,
		`INSERT IGNORE INTO executions
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

func (t *mysqlTx) UpdateExecution(ctx context.Context, execution *core.Execution) error {
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

func (t *mysqlTx) DeleteExecution(ctx context.Context, executionID string, version int64) error {
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

func (t *mysqlTx) executionWriteConflict(ctx context.Context, executionID string) error {
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

func (t *mysqlTx) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	row := t.tx.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`,
		jobID,
	)

	return scanJob(row)
}

func (t *mysqlTx) GetInstanceJobs(ctx context.Context, processInstanceID string) ([]*core.Job, error) {
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

func (t *mysqlTx) GetExecutionJobs(ctx context.Context, executionID string) ([]*core.Job, error) {
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

func (t *mysqlTx) InsertJob(ctx context.Context, job *core.Job) error {
	job.Version = 1

	res, err := t.tx.ExecContext(
		ctx,
		`INSERT IGNORE INTO jobs
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

func (t *mysqlTx) UpdateJob(ctx context.Context, job *core.Job) error {
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

func (t *mysqlTx) DeleteJob(ctx context.Context, jobID string, version int64) error {
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

func (t *mysqlTx) jobWriteConflict(ctx context.Context, jobID string) error {
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

func (t *mysqlTx) AcquireJobs(ctx context.Context, maxJobs int, lockOwner string, lockDuration time.Duration, now time.Time) ([]*core.Job, error) {
	expiry := now.Add(lockDuration)

	var acquired []*core.Job

	for len(acquired) < maxJobs {
		// Select then update: mysql has no UPDATE ... RETURNING. SKIP
		// LOCKED keeps competing acquirers from blocking on each other.
		row := t.tx.QueryRowContext(
			ctx,
			`SELECT `+jobColumns+` FROM jobs
				WHERE retries > 0
					AND due_date <= ?
					AND (lock_owner = '' OR lock_expiration_time <= ?)
				ORDER BY due_date, id
				LIMIT 1
				FOR UPDATE SKIP LOCKED`,
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

		if err := t.claimJob(ctx, job, lockOwner, expiry); err != nil {
			return nil, err
		}

		acquired = append(acquired, job)

		if !job.Exclusive {
			continue
		}

		// Take the remaining due exclusive jobs of the same instance along,
		// beyond maxJobs if necessary, so they run on a single slot.
		rows, err := t.tx.QueryContext(
			ctx,
			`SELECT `+jobColumns+` FROM jobs
				WHERE process_instance_id = ?
					AND exclusive = 1
					AND retries > 0
					AND due_date <= ?
					AND (lock_owner = '' OR lock_expiration_time <= ?)
				ORDER BY due_date, id
				FOR UPDATE SKIP LOCKED`,
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

		for _, sibling := range siblings {
			if err := t.claimJob(ctx, sibling, lockOwner, expiry); err != nil {
				return nil, err
			}

			acquired = append(acquired, sibling)
		}
	}

	return acquired, nil
}

func (t *mysqlTx) claimJob(ctx context.Context, job *core.Job, lockOwner string, expiry time.Time) error {
	res, err := t.tx.ExecContext(
		ctx,
		`UPDATE jobs SET lock_owner = ?, lock_expiration_time = ?, version = version + 1 WHERE id = ?`,
		lockOwner,
		expiry,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}

	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows != 1 {
		return fmt.Errorf("claiming job %s: row vanished", job.ID)
	}

	job.LockOwner = lockOwner
	e := expiry
	job.LockExpirationTime = &e
	job.Version++

	return nil
}

func (t *mysqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *mysqlTx) Rollback() error {
	return t.tx.Rollback()
}
