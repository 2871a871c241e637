package metrickeys

const (
	Prefix = "procflow."

	// Process instances
	ProcessInstanceStarted   = Prefix + "instance.started"
	ProcessInstanceCompleted = Prefix + "instance.completed"

	// Jobs
	JobsAcquired     = Prefix + "jobs.acquired"
	JobExecuted      = Prefix + "jobs.executed"
	JobFailed        = Prefix + "jobs.failed"
	JobDeadLettered  = Prefix + "jobs.dead_lettered"
	JobDelay         = Prefix + "jobs.time_in_queue"
	AcquisitionCycle = Prefix + "jobs.acquisition_cycle"

	// Commands
	CommandExecuted         = Prefix + "command.executed"
	CommandConcurrencyRetry = Prefix + "command.concurrency_retry"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	Command = "command"

	JobHandler = "handler"

	ProcessDefinition = "definition"
)
