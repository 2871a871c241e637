package transaction

import (
	"context"
	"fmt"
	"log/slog"
)

// Phase identifies a point in the transaction lifecycle a listener can
// attach to.
type Phase int

const (
	// Committing listeners run before the underlying transaction
	// finalizes. An error returned from a committing listener vetoes the
	// commit and forces a rollback.
	Committing Phase = iota

	// Committed listeners run strictly after the commit is durable. Errors
	// are logged, they cannot affect the already-decided outcome.
	Committed

	// RollingBack listeners run before the rollback finalizes.
	RollingBack

	// RolledBack listeners run after the transaction was rolled back.
	RolledBack
)

func (p Phase) String() string {
	switch p {
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RollingBack:
		return "rolling-back"
	case RolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type Listener func(ctx context.Context) error

// Context collects listeners for the lifecycle phases of one unit of work.
// Listeners for a phase fire at most once, in registration order, only when
// the transaction reaches that phase.
type Context struct {
	listeners map[Phase][]Listener
}

func NewContext() *Context {
	return &Context{
		listeners: map[Phase][]Listener{},
	}
}

func (c *Context) AddListener(phase Phase, listener Listener) {
	c.listeners[phase] = append(c.listeners[phase], listener)
}

// Fire runs the listeners registered for the given phase and removes them.
// For the Committing phase the first listener error is returned and vetoes
// the commit; for all other phases errors are logged and swallowed since
// the transaction outcome is already decided.
func (c *Context) Fire(ctx context.Context, phase Phase, logger *slog.Logger) error {
	listeners := c.listeners[phase]
	delete(c.listeners, phase)

	for _, listener := range listeners {
		if err := listener(ctx); err != nil {
			if phase == Committing {
				return fmt.Errorf("transaction listener vetoed commit: %w", err)
			}

			logger.ErrorContext(ctx, "transaction listener failed", "phase", phase.String(), "error", err)
		}
	}

	return nil
}
