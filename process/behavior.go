package process

import (
	"fmt"
)

// Behavior is the protocol every activity type implements. Execute runs
// when a token enters the activity; wait states simply return and are later
// advanced through Event. Event delivers an external trigger (signal, timer
// fired) to an execution sitting at the activity.
type Behavior interface {
	Execute(ac *ActivityContext) error
	Event(ac *ActivityContext, payload any) error
}

// ContractError indicates an activity behavior violated the flow contract,
// e.g. took a transition that does not leave its current activity. It is a
// bug in the behavior implementation, not a retryable condition.
type ContractError struct {
	ExecutionID string
	ActivityID  string
	Reason      string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("behavior contract violation at activity %q (execution %s): %s", e.ActivityID, e.ExecutionID, e.Reason)
}
