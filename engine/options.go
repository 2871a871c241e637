package engine

import (
	"time"
)

type Options struct {
	// DefinitionCacheSize bounds the number of resolved process
	// definitions kept in memory.
	DefinitionCacheSize int

	// DefinitionCacheTTL is the time a resolved definition stays cached.
	DefinitionCacheTTL time.Duration

	// CommandRetryAttempts bounds how often a command is transparently
	// re-run after losing an optimistic-lock race.
	CommandRetryAttempts int
}

var DefaultOptions = Options{
	DefinitionCacheSize:  128,
	DefinitionCacheTTL:   time.Hour,
	CommandRetryAttempts: 3,
}

type Option func(*Options)

func WithDefinitionCacheSize(size int) Option {
	return func(o *Options) {
		o.DefinitionCacheSize = size
	}
}

func WithDefinitionCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.DefinitionCacheTTL = ttl
	}
}

func WithCommandRetryAttempts(attempts int) Option {
	return func(o *Options) {
		o.CommandRetryAttempts = attempts
	}
}
