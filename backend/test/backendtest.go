package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

// BackendTest runs the conformance suite every backend implementation has
// to pass. setup returns a fresh, empty backend per test.
func BackendTest(t *testing.T, setup func() backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "GetExecution_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				tx := beginTx(t, ctx, b)
				defer tx.Rollback()

				_, err := tx.GetExecution(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)
			},
		},
		{
			name: "InsertExecution_RoundTrip",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()
				execution.Variables = map[string]any{"amount": "42"}

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				got, err := tx.GetExecution(ctx, execution.ID)
				require.NoError(t, err)
				require.Equal(t, execution.ID, got.ID)
				require.Equal(t, execution.ProcessDefinitionID, got.ProcessDefinitionID)
				require.Equal(t, map[string]any{"amount": "42"}, got.Variables)
				require.Equal(t, int64(1), got.Version)
				require.True(t, got.IsActive)
			},
		},
		{
			name: "InsertExecution_DuplicateInstanceErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				err := tx.InsertExecution(ctx, execution.Clone())
				require.ErrorIs(t, err, backend.ErrInstanceAlreadyExists)
			},
		},
		{
			name: "UpdateExecution_BumpsVersion",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				execution.ActivityID = "review"

				tx = beginTx(t, ctx, b)
				require.NoError(t, tx.UpdateExecution(ctx, execution))
				require.NoError(t, tx.Commit())
				require.Equal(t, int64(2), execution.Version)

				got, err := b.FindExecutionByID(ctx, execution.ID)
				require.NoError(t, err)
				require.Equal(t, "review", got.ActivityID)
				require.Equal(t, int64(2), got.Version)
			},
		},
		{
			name: "UpdateExecution_StaleVersionConflicts",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				first := execution.Clone()
				first.ActivityID = "review"

				tx = beginTx(t, ctx, b)
				require.NoError(t, tx.UpdateExecution(ctx, first))
				require.NoError(t, tx.Commit())

				stale := execution.Clone()
				stale.ActivityID = "archive"

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				err := tx.UpdateExecution(ctx, stale)
				require.ErrorIs(t, err, backend.ErrConcurrentModification)
			},
		},
		{
			name: "DeleteExecution_StaleVersionConflicts",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				err := tx.DeleteExecution(ctx, execution.ID, execution.Version+1)
				require.ErrorIs(t, err, backend.ErrConcurrentModification)
			},
		},
		{
			name: "DeleteExecution_RemovesRow",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				require.NoError(t, tx.DeleteExecution(ctx, execution.ID, execution.Version))
				require.NoError(t, tx.Commit())

				_, err := b.FindExecutionByID(ctx, execution.ID)
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)
			},
		},
		{
			name: "GetChildAndInstanceExecutions",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				root := makeRootExecution()
				child1 := makeChildExecution(root, "a-"+uuid.NewString())
				child2 := makeChildExecution(root, "b-"+uuid.NewString())

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, root))
				require.NoError(t, tx.InsertExecution(ctx, child1))
				require.NoError(t, tx.InsertExecution(ctx, child2))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				children, err := tx.GetChildExecutions(ctx, root.ID)
				require.NoError(t, err)
				require.Len(t, children, 2)
				require.Equal(t, child1.ID, children[0].ID)
				require.Equal(t, child2.ID, children[1].ID)

				all, err := tx.GetInstanceExecutions(ctx, root.ProcessInstanceID)
				require.NoError(t, err)
				require.Len(t, all, 3)
			},
		},
		{
			name: "Rollback_DiscardsWrites",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.Rollback())

				_, err := b.FindExecutionByID(ctx, execution.ID)
				require.ErrorIs(t, err, backend.ErrExecutionNotFound)
			},
		},
		{
			name: "InsertJob_RoundTrip",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()
				job := makeJob(execution, time.Now().UTC(), false)
				job.HandlerConfig = "task1"

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, job))
				require.NoError(t, tx.Commit())

				got, err := b.FindJobByID(ctx, job.ID)
				require.NoError(t, err)
				require.Equal(t, job.ExecutionID, got.ExecutionID)
				require.Equal(t, "task1", got.HandlerConfig)
				require.Equal(t, 3, got.Retries)
				require.Empty(t, got.LockOwner)
				require.Nil(t, got.LockExpirationTime)
			},
		},
		{
			name: "GetExecutionJobs_FiltersByExecution",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				execution := makeRootExecution()
				other := makeRootExecution()
				job1 := makeJob(execution, time.Now().UTC(), false)
				job2 := makeJob(other, time.Now().UTC(), false)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertExecution(ctx, other))
				require.NoError(t, tx.InsertJob(ctx, job1))
				require.NoError(t, tx.InsertJob(ctx, job2))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				defer tx.Rollback()

				jobs, err := tx.GetExecutionJobs(ctx, execution.ID)
				require.NoError(t, err)
				require.Len(t, jobs, 1)
				require.Equal(t, job1.ID, jobs[0].ID)

				jobs, err = tx.GetInstanceJobs(ctx, other.ProcessInstanceID)
				require.NoError(t, err)
				require.Len(t, jobs, 1)
				require.Equal(t, job2.ID, jobs[0].ID)
			},
		},
		{
			name: "AcquireJobs_ClaimsDueJobsInOrder",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				early := makeJob(execution, now.Add(-2*time.Minute), false)
				late := makeJob(execution, now.Add(-time.Minute), false)
				future := makeJob(execution, now.Add(time.Hour), false)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, late))
				require.NoError(t, tx.InsertJob(ctx, early))
				require.NoError(t, tx.InsertJob(ctx, future))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				acquired, err := tx.AcquireJobs(ctx, 10, "node-1", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())

				require.Len(t, acquired, 2)
				require.Equal(t, early.ID, acquired[0].ID)
				require.Equal(t, late.ID, acquired[1].ID)

				for _, job := range acquired {
					require.Equal(t, "node-1", job.LockOwner)
					require.NotNil(t, job.LockExpirationTime)
				}
			},
		},
		{
			name: "AcquireJobs_LockedJobsNotVisibleToOthers",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				job := makeJob(execution, now.Add(-time.Minute), false)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, job))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				acquired, err := tx.AcquireJobs(ctx, 10, "node-1", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())
				require.Len(t, acquired, 1)

				tx = beginTx(t, ctx, b)
				acquired, err = tx.AcquireJobs(ctx, 10, "node-2", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())
				require.Empty(t, acquired)
			},
		},
		{
			name: "AcquireJobs_ExpiredLockReclaimable",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				job := makeJob(execution, now.Add(-time.Minute), false)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, job))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				_, err := tx.AcquireJobs(ctx, 10, "node-1", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())

				// Past the lock expiry another node may take over.
				later := now.Add(5*time.Minute + time.Second)

				tx = beginTx(t, ctx, b)
				acquired, err := tx.AcquireJobs(ctx, 10, "node-2", 5*time.Minute, later)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())

				require.Len(t, acquired, 1)
				require.Equal(t, "node-2", acquired[0].LockOwner)
			},
		},
		{
			name: "AcquireJobs_ExclusiveInstanceJobsClaimedTogether",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				excl1 := makeJob(execution, now.Add(-3*time.Minute), true)
				excl2 := makeJob(execution, now.Add(-2*time.Minute), true)
				excl3 := makeJob(execution, now.Add(-time.Minute), true)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, excl1))
				require.NoError(t, tx.InsertJob(ctx, excl2))
				require.NoError(t, tx.InsertJob(ctx, excl3))
				require.NoError(t, tx.Commit())

				// All due exclusive jobs of the instance come along with the
				// first claim, even past maxJobs.
				tx = beginTx(t, ctx, b)
				acquired, err := tx.AcquireJobs(ctx, 1, "node-1", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())

				require.Len(t, acquired, 3)
				for _, job := range acquired {
					require.Equal(t, "node-1", job.LockOwner)
				}
			},
		},
		{
			name: "AcquireJobs_DeadLetteredNeverClaimed",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				dead := makeJob(execution, now.Add(-time.Minute), false)
				dead.Retries = 0

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, dead))
				require.NoError(t, tx.Commit())

				tx = beginTx(t, ctx, b)
				acquired, err := tx.AcquireJobs(ctx, 10, "node-1", 5*time.Minute, now)
				require.NoError(t, err)
				require.NoError(t, tx.Commit())
				require.Empty(t, acquired)
			},
		},
		{
			name: "FindUnlockedTimersByDueDate",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				soon := makeJob(execution, now.Add(time.Minute), false)
				later := makeJob(execution, now.Add(2*time.Minute), false)
				far := makeJob(execution, now.Add(time.Hour), false)
				dead := makeJob(execution, now.Add(time.Minute), false)
				dead.Retries = 0

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, later))
				require.NoError(t, tx.InsertJob(ctx, soon))
				require.NoError(t, tx.InsertJob(ctx, far))
				require.NoError(t, tx.InsertJob(ctx, dead))
				require.NoError(t, tx.Commit())

				timers, err := b.FindUnlockedTimersByDueDate(ctx, now.Add(10*time.Minute), 1)
				require.NoError(t, err)
				require.Len(t, timers, 1)
				require.Equal(t, soon.ID, timers[0].ID)
			},
		},
		{
			name: "FindDeadLetterJobs",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				dead := makeJob(execution, now.Add(-time.Minute), false)
				dead.Retries = 0
				dead.LastFailure = "delegate failed"
				live := makeJob(execution, now.Add(-time.Minute), false)

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertJob(ctx, dead))
				require.NoError(t, tx.InsertJob(ctx, live))
				require.NoError(t, tx.Commit())

				jobs, err := b.FindDeadLetterJobs(ctx, 10)
				require.NoError(t, err)
				require.Len(t, jobs, 1)
				require.Equal(t, dead.ID, jobs[0].ID)
				require.Equal(t, "delegate failed", jobs[0].LastFailure)
			},
		},
		{
			name: "GetStats",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().UTC()
				execution := makeRootExecution()
				ended := makeRootExecution()
				ended.IsActive = false
				ended.IsEnded = true
				pending := makeJob(execution, now.Add(-time.Minute), false)
				dead := makeJob(execution, now.Add(-time.Minute), false)
				dead.Retries = 0

				tx := beginTx(t, ctx, b)
				require.NoError(t, tx.InsertExecution(ctx, execution))
				require.NoError(t, tx.InsertExecution(ctx, ended))
				require.NoError(t, tx.InsertJob(ctx, pending))
				require.NoError(t, tx.InsertJob(ctx, dead))
				require.NoError(t, tx.Commit())

				s, err := b.GetStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), s.ActiveProcessInstances)
				require.Equal(t, int64(1), s.PendingJobs)
				require.Equal(t, int64(0), s.LockedJobs)
				require.Equal(t, int64(1), s.DeadLetterJobs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(b)
				}
			})

			tt.f(t, ctx, b)
		})
	}
}

func beginTx(t *testing.T, ctx context.Context, b backend.Backend) backend.Tx {
	t.Helper()

	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	return tx
}

func makeRootExecution() *core.Execution {
	id := uuid.NewString()

	return &core.Execution{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: "order-process",
		ActivityID:          "start",
		IsActive:            true,
		IsScope:             true,
		CreatedAt:           time.Now().UTC(),
	}
}

func makeChildExecution(parent *core.Execution, id string) *core.Execution {
	return &core.Execution{
		ID:                  id,
		ParentID:            parent.ID,
		ProcessInstanceID:   parent.ProcessInstanceID,
		ProcessDefinitionID: parent.ProcessDefinitionID,
		ActivityID:          "fork",
		IsActive:            true,
		IsConcurrent:        true,
		CreatedAt:           time.Now().UTC(),
	}
}

func makeJob(execution *core.Execution, dueDate time.Time, exclusive bool) *core.Job {
	return &core.Job{
		ID:                uuid.NewString(),
		ExecutionID:       execution.ID,
		ProcessInstanceID: execution.ProcessInstanceID,
		DueDate:           dueDate,
		Retries:           3,
		Exclusive:         exclusive,
		HandlerType:       core.JobHandlerAsyncContinue,
		CreatedAt:         time.Now().UTC(),
	}
}
