package command

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/internal/transaction"
	"github.com/procflow/procflow/metrics"
)

// DecrementJobRetries is the failure path of job execution: it runs in its
// own transaction after the failed attempt rolled back, decrements the
// job's retries, clears the lock so any node can re-acquire it, and records
// the failure cause for inspection.
type DecrementJobRetries struct {
	JobID string

	// Cause is the rendered failure: message plus stack, captured at the
	// dispatch boundary.
	Cause string
}

func (c *DecrementJobRetries) Name() string {
	return "decrement-job-retries"
}

func (c *DecrementJobRetries) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.JobID == "" {
		return nil, fmt.Errorf("%w: job id must not be empty", ErrInvalidArgument)
	}

	job, err := cc.Session().GetJob(ctx, c.JobID)
	if err != nil {
		return nil, err
	}

	job.Retries--
	job.ClearLock()
	job.LastFailure = c.Cause

	if job.DeadLettered() {
		cc.Logger().WarnContext(ctx, "job retries exhausted, dead-lettering",
			"job_id", job.ID, "handler", job.HandlerType, "process_instance_id", job.ProcessInstanceID)
		cc.Options().Metrics.Counter(metrickeys.JobDeadLettered, metrics.Tags{metrickeys.JobHandler: job.HandlerType}, 1)

		return nil, nil
	}

	// Tell the local acquisition loop about the re-eligible job, but only
	// once the decrement is durable. If this transaction rolls back, the
	// listener never fires.
	if notifier := cc.Notifier(); notifier != nil {
		cc.Transaction().AddListener(transaction.Committed, func(context.Context) error {
			notifier.NotifyJobAdded()
			return nil
		})
	}

	return nil, nil
}
