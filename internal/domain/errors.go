package domain

import (
	"errors"
	"fmt"
)

// RejectReason classifies why the admission gate refused to start a run
type RejectReason string

const (
	ReasonDisabled       RejectReason = "disabled"
	ReasonPaused         RejectReason = "paused"
	ReasonAlreadyRunning RejectReason = "already_running"
	ReasonRateLimited    RejectReason = "rate_limited"
	ReasonCostCapped     RejectReason = "cost_capped"
)

// AdmissionError is returned when an agent fails the admission gate.
// No execution record is created for a rejected admission.
type AdmissionError struct {
	Agent  string
	Reason RejectReason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("agent %s: admission rejected: %s", e.Agent, e.Reason)
}

// AsAdmission unwraps an AdmissionError from an error chain
func AsAdmission(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CapacityError is returned when the telemetry subscriber cap is
// reached. Subscriptions beyond the cap are rejected, never queued.
type CapacityError struct {
	Cap int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("subscriber capacity exceeded (cap %d)", e.Cap)
}

// NotFoundError is returned when an agent name does not exist
type NotFoundError struct {
	Agent string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %s: not found", e.Agent)
}

// IsNotFound reports whether err wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ErrExecutionNotFound is returned when an execution id does not exist
var ErrExecutionNotFound = errors.New("execution not found")

// ErrAgentExists is returned when creating an agent whose name is taken
var ErrAgentExists = errors.New("agent already exists")

// ErrAgentReferenced is returned when deleting an agent that still has
// execution records in the ledger
var ErrAgentReferenced = errors.New("agent has execution records")
