package backend

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	mi "github.com/procflow/procflow/internal/metrics"
	"github.com/procflow/procflow/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Clock is the single time source used for due dates and lock expiry.
	// Overridable for deterministic tests.
	Clock clock.Clock

	// LockOwner identifies this engine node in job lock fields. Defaults to
	// a unique worker-<uuid> name.
	LockOwner string

	// JobLockTimeout determines how long an acquired job stays claimed. If
	// the job is not completed within that timeframe, the claim is
	// considered abandoned and another node may pick the job up.
	JobLockTimeout time.Duration

	// MaxJobRetries is the retry count assigned to newly created jobs.
	MaxJobRetries int
}

var DefaultOptions Options = Options{
	JobLockTimeout: 5 * time.Minute,
	MaxJobRetries:  3,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: trace.NewNoopTracerProvider(),
	Clock:          clock.New(),
}

type BackendOption func(*Options)

func WithLogger(logger *slog.Logger) BackendOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) BackendOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) BackendOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) BackendOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithLockOwner(owner string) BackendOption {
	return func(o *Options) {
		o.LockOwner = owner
	}
}

func WithJobLockTimeout(timeout time.Duration) BackendOption {
	return func(o *Options) {
		o.JobLockTimeout = timeout
	}
}

func WithMaxJobRetries(retries int) BackendOption {
	return func(o *Options) {
		o.MaxJobRetries = retries
	}
}

func ApplyOptions(opts ...BackendOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.LockOwner == "" {
		options.LockOwner = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	return options
}
