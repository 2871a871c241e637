package executor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// waitState computes how long the acquisition loop sleeps between rounds.
//
// Failures grow the wait exponentially up to a cap; a successful round
// resets it. After a drained round the wait is the base interval, shortened
// to the due time of the next pending timer when one falls inside it.
type waitState struct {
	base    time.Duration
	backoff *backoff.ExponentialBackOff
}

func newWaitState(opts *Options) *waitState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseWaitTime
	bo.RandomizationFactor = 0
	bo.Multiplier = opts.WaitIncreaseFactor
	bo.MaxInterval = opts.MaxWaitTime
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &waitState{
		base:    opts.BaseWaitTime,
		backoff: bo,
	}
}

// afterFailure returns the wait after a failed acquisition round. Each
// consecutive call grows the wait until reset is called.
func (w *waitState) afterFailure() time.Duration {
	return w.backoff.NextBackOff()
}

// reset restores the failure backoff to the base interval.
func (w *waitState) reset() {
	w.backoff.Reset()
}

// afterDrained returns the wait after a round that came back with fewer
// jobs than requested. nextDue is the due time of the earliest unlocked
// timer, if any is known.
func (w *waitState) afterDrained(nextDue *time.Time, now time.Time) time.Duration {
	wait := w.base
	if nextDue != nil {
		if until := nextDue.Sub(now); until < wait {
			wait = until
		}
	}

	if wait < 0 {
		return 0
	}

	return wait
}
