package container

import (
	"time"
)

// State is the normalized lifecycle state reported by Inspect.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// StreamTag identifies which output stream a line or chunk came from.
type StreamTag string

const (
	StreamStdout StreamTag = "stdout"
	StreamStderr StreamTag = "stderr"
)

// Spec describes the container to create for an environment.
type Spec struct {
	Image    string            `json:"image"`
	Env      map[string]string `json:"env,omitempty"`
	Ports    map[string]string `json:"ports,omitempty"` // container port/proto -> host port
	CPULimit float64           `json:"cpu_limit"`
	MemoryMB int               `json:"memory_mb"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Info is the normalized view of a container returned by Inspect. Raw engine
// payloads never leave this package.
type Info struct {
	ID           string            `json:"id"`
	State        State             `json:"state"`
	Image        string            `json:"image"`
	PortBindings map[string]string `json:"port_bindings,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

// Usage is the normalized resource usage returned by Stats.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
}

// LogsOptions controls the Logs operation.
type LogsOptions struct {
	Stdout     bool
	Stderr     bool
	Tail       int // 0 means all
	Timestamps bool
}

// LogLine is one demultiplexed line from a container log stream.
type LogLine struct {
	Stream    StreamTag
	Message   string
	Timestamp time.Time
}

// ExecOptions controls the Exec operation.
type ExecOptions struct {
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult holds the collected output of a completed exec.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	// Err is set on streaming completion when the exec was interrupted
	// before a clean exit.
	Err error `json:"-"`
}
