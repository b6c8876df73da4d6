package environment

import (
	"context"
	"time"

	"github.com/devcell/devcell/internal/container"
)

// Status is the persisted lifecycle state of an environment.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// Environment is the logical unit a container handle, executions and logs
// belong to. At most one live container handle exists per environment.
type Environment struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Name        string            `json:"name"`
	ContainerID string            `json:"container_id,omitempty"`
	Image       string            `json:"image"`
	Status      Status            `json:"status"`
	MemoryMB    int               `json:"memory_mb"`
	CPULimit    float64           `json:"cpu_limit"`
	Env         map[string]string `json:"env,omitempty"`
	Ports       map[string]string `json:"ports,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsLive returns true while the environment holds a container handle.
func (e *Environment) IsLive() bool {
	return e.ContainerID != "" && e.Status != StatusDestroyed
}

// CreateRequest holds environment creation parameters.
type CreateRequest struct {
	OwnerID  string            `json:"owner_id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	MemoryMB int               `json:"memory_mb"`
	CPULimit float64           `json:"cpu_limit"`
	Env      map[string]string `json:"env,omitempty"`
	Ports    map[string]string `json:"ports,omitempty"`
}

// Store defines environment persistence.
type Store interface {
	Save(env *Environment) error
	Get(id string) (*Environment, error)
	ListByOwner(ownerID string) ([]*Environment, error)
	ListLive() ([]*Environment, error)
	Delete(id string) error
}

// Containers is the slice of the container manager the environment manager
// consumes.
type Containers interface {
	Create(ctx context.Context, spec container.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (container.Info, error)
	Stats(ctx context.Context, id string) (container.Usage, error)
	Close() error
}
