package interceptor

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/internal/command"
	"github.com/procflow/procflow/internal/session"
	"github.com/procflow/procflow/internal/transaction"
)

// Services are the engine collaborators handed to every command context.
type Services struct {
	Definitions command.DefinitionResolver
	Handlers    command.HandlerResolver
	Notifier    command.JobNotifier
}

// TxSession is the terminal invoker: it opens the store transaction and the
// entity session, executes the command, flushes dirty entities, and drives
// the transaction listener phases around commit and rollback.
func TxSession(b backend.Backend, services *Services) Invoker {
	return func(ctx context.Context, cmd command.Command) (any, error) {
		tx, err := b.BeginTx(ctx)
		if err != nil {
			return nil, fmt.Errorf("beginning transaction: %w", err)
		}

		options := b.Options()
		logger := options.Logger

		sess := session.New(tx)
		txCtx := transaction.NewContext()
		cc := command.NewContext(sess, txCtx, options, services.Definitions, services.Handlers, services.Notifier)

		result, err := cmd.Execute(ctx, cc)

		var flush *session.FlushResult

		if err == nil {
			err = txCtx.Fire(ctx, transaction.Committing, logger)
		}

		if err == nil {
			flush, err = sess.Flush(ctx)
		}

		if err == nil {
			err = tx.Commit()
		}

		if err != nil {
			_ = txCtx.Fire(ctx, transaction.RollingBack, logger)
			_ = tx.Rollback()
			_ = txCtx.Fire(ctx, transaction.RolledBack, logger)

			return nil, err
		}

		if flush.JobsAdded && services.Notifier != nil {
			services.Notifier.NotifyJobAdded()
		}

		_ = txCtx.Fire(ctx, transaction.Committed, logger)

		return result, nil
	}
}
