package models

type OutcomeStatus string

const (
	OutcomeValidated         OutcomeStatus = "validated"
	OutcomePendingValidation OutcomeStatus = "pending_validation"
	OutcomeValidationError   OutcomeStatus = "validation_error"
	OutcomeCycleDetected     OutcomeStatus = "cycle_detected"
	OutcomeDependencyFailure OutcomeStatus = "dependency_failure"
)

// Outcome is the result of one node execution request. Dependencies is the
// committed depends_on set and is populated only on success.
type Outcome struct {
	NodeID       string
	Status       OutcomeStatus
	Error        string
	Dependencies []string
}

func (o *Outcome) Success() bool {
	return o.Status == OutcomeValidated
}
