package command

import (
	"context"
	"fmt"
	"time"

	"github.com/procflow/procflow/core"
)

// AcquireJobs claims a batch of due jobs for one node. Lock assignment
// happens atomically within the command's transaction; the result is a
// *core.AcquiredJobs with exclusive jobs of one process instance grouped
// for a single execution slot.
type AcquireJobs struct {
	MaxJobs      int
	LockOwner    string
	LockDuration time.Duration
}

func (c *AcquireJobs) Name() string {
	return "acquire-jobs"
}

func (c *AcquireJobs) Execute(ctx context.Context, cc *Context) (any, error) {
	if c.MaxJobs <= 0 {
		return nil, fmt.Errorf("%w: max jobs must be positive", ErrInvalidArgument)
	}

	if c.LockOwner == "" {
		return nil, fmt.Errorf("%w: lock owner must not be empty", ErrInvalidArgument)
	}

	if c.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: lock duration must be positive", ErrInvalidArgument)
	}

	jobs, err := cc.Session().Tx().AcquireJobs(ctx, c.MaxJobs, c.LockOwner, c.LockDuration, cc.Clock().Now())
	if err != nil {
		return nil, fmt.Errorf("acquiring jobs: %w", err)
	}

	acquired := core.NewAcquiredJobs()

	// Exclusive jobs of one instance form a single group, keyed in order
	// of first appearance; everything else is dispatched independently.
	exclusive := map[string][]string{}

	for _, job := range jobs {
		if job.Exclusive {
			exclusive[job.ProcessInstanceID] = append(exclusive[job.ProcessInstanceID], job.ID)
		}
	}

	seenExclusive := map[string]bool{}

	for _, job := range jobs {
		if job.Exclusive {
			if !seenExclusive[job.ProcessInstanceID] {
				seenExclusive[job.ProcessInstanceID] = true
				acquired.AddGroup(exclusive[job.ProcessInstanceID]...)
			}

			continue
		}

		acquired.AddGroup(job.ID)
	}

	return acquired, nil
}
