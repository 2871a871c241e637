package command

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// ExecuteJob runs the handler of an acquired job and deletes the job on
// success. A handler error propagates and rolls the command back; the
// dispatch boundary then routes it to retry handling.
type ExecuteJob struct {
	JobID string
}

func (c *ExecuteJob) Name() string {
	return "execute-job"
}

func (c *ExecuteJob) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.JobID == "" {
		return nil, fmt.Errorf("%w: job id must not be empty", ErrInvalidArgument)
	}

	job, err := cc.Session().GetJob(ctx, c.JobID)
	if err != nil {
		return nil, err
	}

	cc.Options().Metrics.Timing(metrickeys.JobDelay,
		metrics.Tags{metrickeys.JobHandler: job.HandlerType}, cc.Clock().Now().Sub(job.DueDate))

	handler, ok := cc.Handlers().JobHandler(job.HandlerType)
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", job.HandlerType)
	}

	if err := handler.Execute(ctx, cc, job); err != nil {
		return nil, fmt.Errorf("executing job %s (%s): %w", job.ID, job.HandlerType, err)
	}

	cc.Session().RemoveJob(job.ID)

	countInstanceCompleted(ctx, cc, job.ProcessInstanceID)

	return nil, nil
}
