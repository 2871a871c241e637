// Package command expresses every engine operation as a unit of work that
// runs inside the interceptor stack: one command execution maps to one
// entity session and one store transaction.
package command

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/session"
	"github.com/procflow/procflow/internal/transaction"
	"github.com/procflow/procflow/process"
)

// ErrInvalidArgument marks caller-fault validation failures that are never
// retried.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrExecutionNotActive is returned when signalling an execution that has
// ended or is waiting as a fork anchor.
var ErrExecutionNotActive = errors.New("execution is not active")

type Command interface {
	Name() string
	Execute(ctx context.Context, cc *Context) (any, error)
}

// JobHandler executes one acquired job inside a command. Implementations
// are registered with the engine by handler type.
type JobHandler interface {
	Type() string
	Execute(ctx context.Context, cc *Context, job *core.Job) error
}

// DefinitionResolver loads process definitions by id. The engine implements
// it with a cache in front of the registered definition provider.
type DefinitionResolver interface {
	ResolveDefinition(ctx context.Context, definitionID string) (*process.Definition, error)
}

// HandlerResolver looks up job handlers by type.
type HandlerResolver interface {
	JobHandler(handlerType string) (JobHandler, bool)
}

// JobNotifier wakes local acquisition loops after a commit made new work
// available.
type JobNotifier interface {
	NotifyJobAdded()
}

// Context carries the per-execution state of one command: the entity
// session, the transaction listeners, and the engine services commands
// need.
type Context struct {
	session     *session.Session
	transaction *transaction.Context

	options     *backend.Options
	definitions DefinitionResolver
	handlers    HandlerResolver
	notifier    JobNotifier
}

func NewContext(
	sess *session.Session,
	tx *transaction.Context,
	options *backend.Options,
	definitions DefinitionResolver,
	handlers HandlerResolver,
	notifier JobNotifier,
) *Context {
	return &Context{
		session:     sess,
		transaction: tx,
		options:     options,
		definitions: definitions,
		handlers:    handlers,
		notifier:    notifier,
	}
}

func (cc *Context) Session() *session.Session {
	return cc.session
}

func (cc *Context) Transaction() *transaction.Context {
	return cc.transaction
}

func (cc *Context) Options() *backend.Options {
	return cc.options
}

func (cc *Context) Clock() clock.Clock {
	return cc.options.Clock
}

func (cc *Context) Logger() *slog.Logger {
	return cc.options.Logger
}

func (cc *Context) Definitions() DefinitionResolver {
	return cc.definitions
}

func (cc *Context) Handlers() HandlerResolver {
	return cc.handlers
}

func (cc *Context) Notifier() JobNotifier {
	return cc.notifier
}

// ActivityContext builds a process activity context for the given execution
// backed by this command's session.
func (cc *Context) ActivityContext(ctx context.Context, definition *process.Definition, execution *core.Execution) *process.ActivityContext {
	return process.NewActivityContext(&commandRuntime{ctx: ctx, cc: cc}, definition, execution)
}
