package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// Engine is the surface of the process engine the executor drives. It is
// satisfied by *engine.Engine.
type Engine interface {
	// AcquireJobs claims up to maxJobs due jobs for this node, returning
	// them grouped into execution units.
	AcquireJobs(ctx context.Context, maxJobs int) (*core.AcquiredJobs, error)

	// ExecuteJob runs a single claimed job to completion.
	ExecuteJob(ctx context.Context, jobID string) error

	// OnJobFailure records a job failure: decrement retries, release the
	// lock, and reschedule or dead-letter the job.
	OnJobFailure(ctx context.Context, jobID string, cause string) error

	// NextJobDue returns the due date of the earliest unlocked job due
	// before the given time, or nil when there is none.
	NextJobDue(ctx context.Context, before time.Time) (*time.Time, error)

	// RegisterJobAddedListener subscribes to job-added notifications fired
	// after transactions that made new jobs acquirable commit.
	RegisterJobAddedListener(listener func())

	Logger() *slog.Logger
	Metrics() metrics.Client
	Clock() clock.Clock
}

type state int

const (
	stateStopped state = iota
	stateRunning
	stateStopRequested
)

var errAlreadyRunning = errors.New("executor already running")

// JobExecutor runs the job acquisition loop for one engine node: it claims
// batches of due jobs, dispatches them to a bounded worker pool, and sleeps
// adaptively between rounds.
type JobExecutor struct {
	engine  Engine
	options *Options

	logger  *slog.Logger
	metrics metrics.Client
	clock   clock.Clock

	// jobAdded wakes the loop early when a transaction on this node made
	// a job acquirable. Buffered so a notification during acquisition is
	// not lost.
	jobAdded chan struct{}

	mu     sync.Mutex
	st     state
	cancel context.CancelFunc
	done   chan struct{}

	slots      chan struct{}
	dispatchWg sync.WaitGroup
}

func New(engine Engine, opts ...Option) *JobExecutor {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	je := &JobExecutor{
		engine:   engine,
		options:  &options,
		logger:   engine.Logger(),
		metrics:  engine.Metrics(),
		clock:    engine.Clock(),
		jobAdded: make(chan struct{}, 1),
	}

	engine.RegisterJobAddedListener(je.NotifyJobAdded)

	return je
}

// NotifyJobAdded wakes the acquisition loop before its current sleep
// elapses. Never blocks.
func (je *JobExecutor) NotifyJobAdded() {
	select {
	case je.jobAdded <- struct{}{}:
	default:
	}
}

// Start launches the acquisition loop. The loop runs until Stop is called
// or ctx is canceled.
func (je *JobExecutor) Start(ctx context.Context) error {
	je.mu.Lock()
	defer je.mu.Unlock()

	if je.st != stateStopped {
		return errAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	je.cancel = cancel
	je.done = make(chan struct{})
	je.st = stateRunning

	if je.options.MaxParallelJobs > 0 {
		je.slots = make(chan struct{}, je.options.MaxParallelJobs)
	} else {
		je.slots = nil
	}

	go je.run(loopCtx)

	return nil
}

// Stop requests shutdown and blocks until the loop has exited and all
// in-flight jobs have finished.
func (je *JobExecutor) Stop() error {
	je.mu.Lock()
	if je.st != stateRunning {
		je.mu.Unlock()
		return nil
	}
	je.st = stateStopRequested
	cancel, done := je.cancel, je.done
	je.mu.Unlock()

	cancel()
	<-done
	je.dispatchWg.Wait()

	je.mu.Lock()
	je.st = stateStopped
	je.mu.Unlock()

	return nil
}

func (je *JobExecutor) run(ctx context.Context) {
	defer close(je.done)

	ws := newWaitState(je.options)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait, ok := je.poll(ctx, ws)
		if !ok {
			return
		}

		if wait <= 0 {
			continue
		}

		t := je.clock.Timer(wait)
		select {
		case <-t.C:
		case <-je.jobAdded:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// poll runs one acquisition round and returns the wait before the next
// one. ok is false when the loop should exit.
func (je *JobExecutor) poll(ctx context.Context, ws *waitState) (wait time.Duration, ok bool) {
	start := je.clock.Now()

	acquired, err := je.engine.AcquireJobs(ctx, je.options.MaxJobsPerAcquisition)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}

		wait = ws.afterFailure()
		je.logger.ErrorContext(ctx, "acquiring jobs failed", "error", err, "wait", wait)
		return wait, true
	}

	ws.reset()

	je.metrics.Timing(metrickeys.AcquisitionCycle, metrics.Tags{}, je.clock.Since(start))
	if acquired.Size() > 0 {
		je.metrics.Counter(metrickeys.JobsAcquired, metrics.Tags{}, float64(acquired.Size()))
	}

	for _, group := range acquired.Groups() {
		if !je.dispatch(ctx, group) {
			return 0, false
		}
	}

	// Full batch: there are likely more due jobs, poll again right away.
	if acquired.Size() >= je.options.MaxJobsPerAcquisition {
		return 0, true
	}

	now := je.clock.Now()

	nextDue, err := je.engine.NextJobDue(ctx, now.Add(ws.base))
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}

		je.logger.WarnContext(ctx, "checking next job due date failed", "error", err)
		nextDue = nil
	}

	return ws.afterDrained(nextDue, now), true
}

// dispatch hands one job group to a worker goroutine. Groups run
// sequentially within themselves; exclusive jobs of the same process
// instance arrive as one group and therefore never overlap.
func (je *JobExecutor) dispatch(ctx context.Context, group []string) bool {
	if je.slots != nil {
		select {
		case je.slots <- struct{}{}:
		case <-ctx.Done():
			return false
		}
	}

	je.dispatchWg.Add(1)

	go func() {
		defer je.dispatchWg.Done()
		if je.slots != nil {
			defer func() { <-je.slots }()
		}

		// Claimed jobs run to completion even when shutdown has been
		// requested; their lock would otherwise hold until expiry.
		jobCtx := context.Background()

		for _, jobID := range group {
			je.executeJob(jobCtx, jobID)
		}
	}()

	return true
}

func (je *JobExecutor) executeJob(ctx context.Context, jobID string) {
	err := je.engine.ExecuteJob(ctx, jobID)
	if err == nil {
		return
	}

	if errors.Is(err, backend.ErrJobNotFound) {
		// Raced with a cancellation or another cleanup, nothing to do.
		je.logger.DebugContext(ctx, "job disappeared before execution", "job_id", jobID)
		return
	}

	je.logger.ErrorContext(ctx, "job execution failed", "job_id", jobID, "error", err)

	cause := fmt.Sprintf("%v\n%s", err, debug.Stack())
	if ferr := je.engine.OnJobFailure(ctx, jobID, cause); ferr != nil {
		je.logger.ErrorContext(ctx, "recording job failure failed", "job_id", jobID, "error", ferr)
	}
}
