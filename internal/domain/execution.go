package domain

import "time"

// ExecStatus represents the lifecycle state of an execution record
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
)

// Execution sources recorded for provenance
const (
	SourceScheduler = "scheduler"
	SourceManual    = "manual"
)

// Execution is one ledger entry describing a single run of an agent.
// It is created at admission with status running and transitioned to a
// terminal status exactly once, by the executor that owns it.
type Execution struct {
	ID             string
	AgentName      string
	Status         ExecStatus
	Source         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	ItemsProcessed int
	ItemsFailed    int
	Duration       time.Duration
	TokensUsed     int
	CostUSD        float64
	ErrorMessage   string
}

// Terminal reports whether the record has reached a final status
func (e *Execution) Terminal() bool {
	return e.Status == ExecCompleted || e.Status == ExecFailed
}

// State is the derived runtime state of an agent
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateDisabled State = "disabled"
)

// DeriveState computes the runtime state of an agent from its
// definition and its most recent execution record. The state is never
// stored; it is always a view over the ledger, so a restart cannot
// leave it stale.
func DeriveState(a *Agent, latest *Execution) State {
	if latest != nil && latest.Status == ExecRunning {
		return StateRunning
	}
	if !a.Enabled {
		return StateDisabled
	}
	if a.Paused {
		return StatePaused
	}
	if latest != nil && latest.Status == ExecFailed {
		return StateError
	}
	return StateIdle
}
