package core

import (
	"time"
)

// Phase is one stage of the request pipeline. The total order below is
// the only order phases ever run in.
type Phase string

const (
	PhaseValidate       Phase = "VALIDATE"
	PhaseAuthorize      Phase = "AUTHORIZE"
	PhaseRoute          Phase = "ROUTE"
	PhasePreProcessing  Phase = "PRE_PROCESSING"
	PhaseExecute        Phase = "EXECUTE"
	PhasePostProcessing Phase = "POST_PROCESSING"
	PhaseCleanup        Phase = "CLEANUP"
)

// Phases returns the pipeline phases in execution order
func Phases() []Phase {
	return []Phase{
		PhaseValidate,
		PhaseAuthorize,
		PhaseRoute,
		PhasePreProcessing,
		PhaseExecute,
		PhasePostProcessing,
		PhaseCleanup,
	}
}

// ExecutionStatus is the lifecycle state of a request
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal returns true for sink states
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ExecutionToken is an immutable snapshot of request progress. The
// execution context replaces the whole token atomically on transition;
// holders of an old snapshot keep a consistent view.
type ExecutionToken struct {
	RequestID string
	TenantID  string
	Phase     Phase
	Status    ExecutionStatus
	Attempt   int
	StartedAt time.Time
}

// With returns a copy of the token with the given status and phase
func (t ExecutionToken) With(status ExecutionStatus, phase Phase) ExecutionToken {
	t.Status = status
	t.Phase = phase
	return t
}

// WithAttempt returns a copy of the token with the attempt counter set
func (t ExecutionToken) WithAttempt(attempt int) ExecutionToken {
	t.Attempt = attempt
	return t
}
