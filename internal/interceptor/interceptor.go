// Package interceptor implements the command executor as a closure-based
// middleware chain: each interceptor wraps the next invoker with one
// cross-cutting concern, the terminal invoker owns the transaction and
// entity-session lifecycle.
package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/internal/command"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// Invoker executes a command and returns its result.
type Invoker func(ctx context.Context, cmd command.Command) (any, error)

// Interceptor wraps an invoker with a cross-cutting concern.
type Interceptor func(next Invoker) Invoker

// Chain applies the interceptors around the base invoker; the first
// interceptor becomes the outermost layer.
func Chain(base Invoker, interceptors ...Interceptor) Invoker {
	invoker := base

	for i := len(interceptors) - 1; i >= 0; i-- {
		invoker = interceptors[i](invoker)
	}

	return invoker
}

// Log records command execution at debug level and failures at error level.
func Log(logger *slog.Logger) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd command.Command) (any, error) {
			start := time.Now()

			logger.DebugContext(ctx, "executing command", "command", cmd.Name())

			result, err := next(ctx, cmd)
			if err != nil {
				logger.ErrorContext(ctx, "command failed",
					"command", cmd.Name(), "duration", time.Since(start), "error", err)
				return nil, err
			}

			logger.DebugContext(ctx, "command completed",
				"command", cmd.Name(), "duration", time.Since(start))

			return result, nil
		}
	}
}

// Trace opens one span per command execution.
func Trace(tracer trace.Tracer) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd command.Command) (any, error) {
			ctx, span := tracer.Start(ctx, "command:"+cmd.Name(),
				trace.WithAttributes(attribute.String("procflow.command", cmd.Name())))
			defer span.End()

			result, err := next(ctx, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			return result, err
		}
	}
}

// Metrics counts executed commands and their duration.
func Metrics(client metrics.Client) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd command.Command) (any, error) {
			tags := metrics.Tags{metrickeys.Command: cmd.Name()}
			timer := metrics.Timer(client, metrickeys.CommandExecuted, tags)
			defer timer.Stop()

			return next(ctx, cmd)
		}
	}
}

// ConcurrencyRetry transparently re-runs a command whose transaction lost
// an optimistic-lock race. The whole command re-executes on a fresh session,
// bounded by maxAttempts.
func ConcurrencyRetry(maxAttempts int, logger *slog.Logger, client metrics.Client) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd command.Command) (any, error) {
			var result any
			var err error

			for attempt := 1; ; attempt++ {
				result, err = next(ctx, cmd)
				if err == nil || !errors.Is(err, backend.ErrConcurrentModification) {
					return result, err
				}

				if attempt >= maxAttempts {
					return nil, err
				}

				client.Counter(metrickeys.CommandConcurrencyRetry, metrics.Tags{metrickeys.Command: cmd.Name()}, 1)
				logger.DebugContext(ctx, "retrying command after concurrent modification",
					"command", cmd.Name(), "attempt", attempt)
			}
		}
	}
}
