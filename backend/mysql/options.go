package mysql

import (
	"github.com/procflow/procflow/backend"
)

type options struct {
	backend.Options

	// ApplyMigrations controls whether pending schema migrations run when
	// the backend is created.
	ApplyMigrations bool
}

type option func(*options)

// WithApplyMigrations configures whether schema migrations are applied on
// startup.
func WithApplyMigrations(apply bool) option {
	return func(o *options) {
		o.ApplyMigrations = apply
	}
}

// WithBackendOptions applies generic backend options.
func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		o.Options = backend.ApplyOptions(opts...)
	}
}
