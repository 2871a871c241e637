package mysql

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

const executionColumns = `id, parent_id, process_instance_id, process_definition_id, activity_id, is_active, is_scope, is_concurrent, is_ended, variables, version, created_at`

const jobColumns = `id, execution_id, process_instance_id, due_date, lock_owner, lock_expiration_time, retries, exclusive, handler_type, handler_config, last_failure, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*core.Execution, error) {
	var e core.Execution
	var variables []byte

	if err := row.Scan(
		&e.ID,
		&e.ParentID,
		&e.ProcessInstanceID,
		&e.ProcessDefinitionID,
		&e.ActivityID,
		&e.IsActive,
		&e.IsScope,
		&e.IsConcurrent,
		&e.IsEnded,
		&variables,
		&e.Version,
		&e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &e.Variables); err != nil {
			return nil, fmt.Errorf("unmarshaling variables: %w", err)
		}
	}

	return &e, nil
}

func scanExecutions(rows *sql.Rows) ([]*core.Execution, error) {
	var executions []*core.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func scanJob(row rowScanner) (*core.Job, error) {
	var j core.Job
	var lockExpiration sql.NullTime

	if err := row.Scan(
		&j.ID,
		&j.ExecutionID,
		&j.ProcessInstanceID,
		&j.DueDate,
		&j.LockOwner,
		&lockExpiration,
		&j.Retries,
		&j.Exclusive,
		&j.HandlerType,
		&j.HandlerConfig,
		&j.LastFailure,
		&j.Version,
		&j.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrJobNotFound
		}

		return nil, fmt.Errorf("scanning job: %w", err)
	}

	if lockExpiration.Valid {
		t := lockExpiration.Time
		j.LockExpirationTime = &t
	}

	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.Job, error) {
	var jobs []*core.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func marshalVariables(variables map[string]any) ([]byte, error) {
	if len(variables) == 0 {
		return []byte{}, nil
	}

	b, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("marshaling variables: %w", err)
	}

	return b, nil
}
