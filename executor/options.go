package executor

import (
	"time"
)

type Options struct {
	// MaxJobsPerAcquisition is the batch size of one acquisition round.
	MaxJobsPerAcquisition int

	// MaxParallelJobs bounds the number of job groups executing
	// concurrently on this node. Zero means no limit.
	MaxParallelJobs int

	// BaseWaitTime is the sleep between acquisition rounds when the queue
	// looks drained (a round returned fewer jobs than requested).
	BaseWaitTime time.Duration

	// MaxWaitTime caps the exponential backoff applied after acquisition
	// failures.
	MaxWaitTime time.Duration

	// WaitIncreaseFactor is the backoff multiplier applied per consecutive
	// acquisition failure.
	WaitIncreaseFactor float64
}

var DefaultOptions = Options{
	MaxJobsPerAcquisition: 3,
	MaxParallelJobs:       10,
	BaseWaitTime:          5 * time.Second,
	MaxWaitTime:           time.Minute,
	WaitIncreaseFactor:    2,
}

type Option func(*Options)

func WithMaxJobsPerAcquisition(n int) Option {
	return func(o *Options) {
		o.MaxJobsPerAcquisition = n
	}
}

func WithMaxParallelJobs(n int) Option {
	return func(o *Options) {
		o.MaxParallelJobs = n
	}
}

func WithBaseWaitTime(d time.Duration) Option {
	return func(o *Options) {
		o.BaseWaitTime = d
	}
}

func WithMaxWaitTime(d time.Duration) Option {
	return func(o *Options) {
		o.MaxWaitTime = d
	}
}

func WithWaitIncreaseFactor(f float64) Option {
	return func(o *Options) {
		o.WaitIncreaseFactor = f
	}
}
