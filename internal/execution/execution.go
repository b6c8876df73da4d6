package execution

import (
	"time"
)

// Status is the lifecycle state of an execution. Transitions are
// queued -> running -> {completed, failed, cancelled, timeout}; a terminal
// execution is never mutated again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether the status ends the state machine.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Execution represents one code-run request and its lifecycle.
type Execution struct {
	ID            string            `json:"id"`
	EnvironmentID string            `json:"environment_id"`
	Code          string            `json:"code"`
	Language      Language          `json:"language"`
	Status        Status            `json:"status"`
	Stdout        string            `json:"stdout,omitempty"`
	Stderr        string            `json:"stderr,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	TimeoutMs     int               `json:"timeout_ms"`
	Env           map[string]string `json:"env,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
}

// Duration returns the elapsed run time, or zero before the run started.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.EndedAt == nil {
		return time.Since(*e.StartedAt)
	}
	return e.EndedAt.Sub(*e.StartedAt)
}

// snapshot returns a copy safe to hand to callers while the engine keeps
// mutating the original.
func (e *Execution) snapshot() *Execution {
	cp := *e
	if e.ExitCode != nil {
		code := *e.ExitCode
		cp.ExitCode = &code
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// RunRequest is one submission against an environment.
type RunRequest struct {
	EnvironmentID string            `json:"environment_id"`
	Code          string            `json:"code"`
	Language      string            `json:"language"`
	TimeoutMs     int               `json:"timeout_ms,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}
