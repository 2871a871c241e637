package command

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/procflow/procflow/core"
)

// commandRuntime adapts the command session to the process.Runtime seam the
// flow primitives run against.
type commandRuntime struct {
	ctx context.Context
	cc  *Context
}

func (r *commandRuntime) Context() context.Context {
	return r.ctx
}

func (r *commandRuntime) Clock() clock.Clock {
	return r.cc.Clock()
}

func (r *commandRuntime) Logger() *slog.Logger {
	return r.cc.Logger()
}

func (r *commandRuntime) NewID() string {
	return uuid.NewString()
}

func (r *commandRuntime) DefaultJobRetries() int {
	return r.cc.options.MaxJobRetries
}

func (r *commandRuntime) GetExecution(executionID string) (*core.Execution, error) {
	return r.cc.session.GetExecution(r.ctx, executionID)
}

func (r *commandRuntime) ChildExecutions(parentID string) ([]*core.Execution, error) {
	return r.cc.session.GetChildExecutions(r.ctx, parentID)
}

func (r *commandRuntime) InstanceExecutions(processInstanceID string) ([]*core.Execution, error) {
	return r.cc.session.GetInstanceExecutions(r.ctx, processInstanceID)
}

func (r *commandRuntime) CreateExecution(execution *core.Execution) {
	r.cc.session.CreateExecution(execution)
}

func (r *commandRuntime) RemoveExecution(executionID string) {
	r.cc.session.RemoveExecution(executionID)
}

func (r *commandRuntime) CreateJob(job *core.Job) {
	r.cc.session.CreateJob(job)
}

func (r *commandRuntime) RemoveExecutionJobs(executionID string) error {
	jobs, err := r.cc.session.GetExecutionJobs(r.ctx, executionID)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		r.cc.session.RemoveJob(job.ID)
	}

	return nil
}
