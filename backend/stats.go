package backend

type Stats struct {
	// ActiveProcessInstances is the number of process instances that still
	// have at least one active execution.
	ActiveProcessInstances int64

	// PendingJobs are jobs that are due and unlocked, waiting to be
	// acquired by a node.
	PendingJobs int64

	// LockedJobs are jobs currently claimed by some node.
	LockedJobs int64

	// DeadLetterJobs are jobs whose retries are exhausted. They are
	// retained for inspection and excluded from acquisition.
	DeadLetterJobs int64
}
