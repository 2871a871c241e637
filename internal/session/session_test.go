package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/memory"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/session"
)

func seedInstance(t *testing.T, b backend.Backend, executions ...*core.Execution) {
	t.Helper()

	ctx := context.Background()

	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	for _, e := range executions {
		require.NoError(t, tx.InsertExecution(ctx, e))
	}

	require.NoError(t, tx.Commit())
}

func rootExecution(id string) *core.Execution {
	return &core.Execution{
		ID:                  id,
		ProcessInstanceID:   id,
		ProcessDefinitionID: "order",
		ActivityID:          "review",
		IsActive:            true,
		IsScope:             true,
		CreatedAt:           time.Now().UTC(),
	}
}

func childExecution(id string, root *core.Execution) *core.Execution {
	return &core.Execution{
		ID:                  id,
		ParentID:            root.ID,
		ProcessInstanceID:   root.ProcessInstanceID,
		ProcessDefinitionID: root.ProcessDefinitionID,
		ActivityID:          "pick",
		IsActive:            true,
		IsConcurrent:        true,
		CreatedAt:           time.Now().UTC(),
	}
}

func Test_GetExecution_CachesFirstRead(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	s := session.New(tx)

	first, err := s.GetExecution(ctx, "inst-1")
	require.NoError(t, err)

	second, err := s.GetExecution(ctx, "inst-1")
	require.NoError(t, err)

	// Same instance within the transaction: mutations through one reference
	// are visible through the other.
	require.Same(t, first, second)
}

func Test_TransientEntitiesVisibleToQueries(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	s := session.New(tx)

	child := childExecution("child-1", root)
	s.CreateExecution(child)

	all, err := s.GetInstanceExecutions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	children, err := s.GetChildExecutions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Same(t, child, children[0])
}

func Test_Flush_SkipsUnchangedEntities(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	loaded, err := s.GetExecution(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), loaded.Version)

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stored, err := b.FindExecutionByID(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)
}

func Test_Flush_WritesChangedEntities(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	loaded, err := s.GetExecution(ctx, "inst-1")
	require.NoError(t, err)
	loaded.ActivityID = "approve"

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stored, err := b.FindExecutionByID(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, "approve", stored.ActivityID)
	require.Equal(t, int64(2), stored.Version)
}

func Test_Flush_InsertsTransientAndReportsJobsAdded(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	s.CreateJob(&core.Job{
		ID:                "job-1",
		ExecutionID:       "inst-1",
		ProcessInstanceID: "inst-1",
		DueDate:           time.Now().UTC(),
		Retries:           3,
		HandlerType:       core.JobHandlerAsyncContinue,
		CreatedAt:         time.Now().UTC(),
	})

	result, err := s.Flush(ctx)
	require.NoError(t, err)
	require.True(t, result.JobsAdded)
	require.NoError(t, tx.Commit())

	stored, err := b.FindJobByID(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, core.JobHandlerAsyncContinue, stored.HandlerType)
}

func Test_Flush_TouchesRootOnChildWrite(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	child := childExecution("child-1", root)
	seedInstance(t, b, root, child)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	loaded, err := s.GetExecution(ctx, "child-1")
	require.NoError(t, err)
	loaded.ActivityID = "join"

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// The root row serializes concurrent commands on the instance, so a
	// child write bumps it too.
	storedRoot, err := b.FindExecutionByID(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), storedRoot.Version)
}

func Test_Flush_RootNotTouchedTwiceWhenWrittenItself(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	child := childExecution("child-1", root)
	seedInstance(t, b, root, child)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	loadedRoot, err := s.GetExecution(ctx, "inst-1")
	require.NoError(t, err)
	loadedRoot.IsActive = false

	loadedChild, err := s.GetExecution(ctx, "child-1")
	require.NoError(t, err)
	loadedChild.ActivityID = "join"

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	storedRoot, err := b.FindExecutionByID(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), storedRoot.Version)
}

func Test_RemoveTransientEntity_NeverHitsStore(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	child := childExecution("child-1", root)
	s.CreateExecution(child)
	s.RemoveExecution("child-1")

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = b.FindExecutionByID(ctx, "child-1")
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}

func Test_RemovedEntityInvisibleToReads(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	child := childExecution("child-1", root)
	seedInstance(t, b, root, child)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	s := session.New(tx)

	_, err = s.GetExecution(ctx, "child-1")
	require.NoError(t, err)

	s.RemoveExecution("child-1")

	_, err = s.GetExecution(ctx, "child-1")
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)

	all, err := s.GetInstanceExecutions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "inst-1", all[0].ID)
}

func Test_Flush_DeletesRemovedEntities(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	child := childExecution("child-1", root)
	seedInstance(t, b, root, child)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	_, err = s.GetExecution(ctx, "child-1")
	require.NoError(t, err)
	s.RemoveExecution("child-1")

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = b.FindExecutionByID(ctx, "child-1")
	require.ErrorIs(t, err, backend.ErrExecutionNotFound)
}

func Test_Flush_JobLockClearReportsJobsAdded(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	now := time.Now().UTC()
	expiry := now.Add(5 * time.Minute)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertJob(ctx, &core.Job{
		ID:                 "job-1",
		ExecutionID:        "inst-1",
		ProcessInstanceID:  "inst-1",
		DueDate:            now,
		LockOwner:          "node-1",
		LockExpirationTime: &expiry,
		Retries:            3,
		HandlerType:        core.JobHandlerAsyncContinue,
		CreatedAt:          now,
	}))
	require.NoError(t, tx.Commit())

	tx, err = b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	job.Retries--
	job.ClearLock()

	result, err := s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.True(t, result.JobsAdded)
}

func Test_Flush_DeadLetteredJobDoesNotReportJobsAdded(t *testing.T) {
	b := memory.NewMemoryBackend()
	root := rootExecution("inst-1")
	seedInstance(t, b, root)

	now := time.Now().UTC()
	expiry := now.Add(5 * time.Minute)

	ctx := context.Background()
	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertJob(ctx, &core.Job{
		ID:                 "job-1",
		ExecutionID:        "inst-1",
		ProcessInstanceID:  "inst-1",
		DueDate:            now,
		LockOwner:          "node-1",
		LockExpirationTime: &expiry,
		Retries:            1,
		HandlerType:        core.JobHandlerAsyncContinue,
		CreatedAt:          now,
	}))
	require.NoError(t, tx.Commit())

	tx, err = b.BeginTx(ctx)
	require.NoError(t, err)

	s := session.New(tx)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	job.Retries = 0
	job.ClearLock()
	job.LastFailure = "delegate failed"

	result, err := s.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.False(t, result.JobsAdded)
}
