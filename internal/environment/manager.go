package environment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/domain"
)

// TeamChecker answers whether a user belongs to the owner's team. Identity
// and team management live outside this core; a nil checker means owner-only
// access.
type TeamChecker interface {
	SameTeam(ctx context.Context, userID, ownerID string) (bool, error)
}

// Defaults applied to environments that omit resource limits.
const (
	DefaultMemoryMB = 256
	DefaultCPULimit = 0.5
)

// Manager orchestrates environment lifecycle against the container manager.
type Manager struct {
	store      Store
	containers Containers
	teams      TeamChecker
	image      string
	mu         sync.Mutex
}

// NewManager creates an environment manager. defaultImage is used when a
// create request names no image. teams may be nil.
func NewManager(store Store, containers Containers, teams TeamChecker, defaultImage string) *Manager {
	return &Manager{
		store:      store,
		containers: containers,
		teams:      teams,
		image:      defaultImage,
	}
}

// Create provisions a new environment and its container.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.OwnerID == "" {
		return nil, domain.BadRequest("owner id is required")
	}
	if req.Image == "" {
		req.Image = m.image
	}
	if req.MemoryMB <= 0 {
		req.MemoryMB = DefaultMemoryMB
	}
	if req.CPULimit <= 0 {
		req.CPULimit = DefaultCPULimit
	}

	now := time.Now().UTC()
	env := &Environment{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Name:      req.Name,
		Image:     req.Image,
		Status:    StatusCreating,
		MemoryMB:  req.MemoryMB,
		CPULimit:  req.CPULimit,
		Env:       req.Env,
		Ports:     req.Ports,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Save(env); err != nil {
		return nil, fmt.Errorf("save environment: %w", err)
	}

	containerID, err := m.containers.Create(ctx, container.Spec{
		Image:    env.Image,
		Env:      env.Env,
		Ports:    env.Ports,
		CPULimit: env.CPULimit,
		MemoryMB: env.MemoryMB,
		Labels: map[string]string{
			"devcell.environment": env.ID,
			"devcell.owner":       env.OwnerID,
		},
	})
	if err != nil {
		env.Status = StatusError
		env.UpdatedAt = time.Now().UTC()
		if saveErr := m.store.Save(env); saveErr != nil {
			slog.Warn("failed to record environment error state", "environment_id", env.ID, "error", saveErr)
		}
		return nil, err
	}

	env.ContainerID = containerID
	env.Status = StatusReady
	env.UpdatedAt = time.Now().UTC()

	if err := m.store.Save(env); err != nil {
		// Roll back the container so no orphan handle survives
		_ = m.containers.Remove(ctx, containerID, true)
		return nil, fmt.Errorf("save environment: %w", err)
	}

	slog.Info("environment created",
		"environment_id", env.ID,
		"owner_id", env.OwnerID,
		"image", env.Image,
	)
	return env, nil
}

// Get retrieves an environment by id.
func (m *Manager) Get(ctx context.Context, id string) (*Environment, error) {
	env, err := m.store.Get(id)
	if err != nil {
		return nil, domain.NotFound("environment %s not found", id)
	}
	return env, nil
}

// List returns the caller's environments.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*Environment, error) {
	return m.store.ListByOwner(ownerID)
}

// Start starts the environment's container.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusReady, m.containers.Start)
}

// Stop stops the environment's container.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusStopped, m.containers.Stop)
}

// Restart restarts the environment's container.
func (m *Manager) Restart(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusReady, m.containers.Restart)
}

func (m *Manager) transition(ctx context.Context, id string, to Status, op func(context.Context, string) error) error {
	env, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !env.IsLive() {
		return domain.BadRequest("environment %s has no container", id)
	}

	if err := op(ctx, env.ContainerID); err != nil {
		return err
	}

	env.Status = to
	env.UpdatedAt = time.Now().UTC()
	return m.store.Save(env)
}

// Destroy removes the environment's container and marks it destroyed.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	env, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	if env.ContainerID != "" {
		if err := m.containers.Remove(ctx, env.ContainerID, true); err != nil {
			slog.Warn("failed to remove container", "environment_id", id, "error", err)
		}
	}

	env.ContainerID = ""
	env.Status = StatusDestroyed
	env.UpdatedAt = time.Now().UTC()
	return m.store.Save(env)
}

// Inspect returns the normalized container view for the environment.
func (m *Manager) Inspect(ctx context.Context, id string) (container.Info, error) {
	env, err := m.Get(ctx, id)
	if err != nil {
		return container.Info{}, err
	}
	if !env.IsLive() {
		return container.Info{}, domain.BadRequest("environment %s has no container", id)
	}
	return m.containers.Inspect(ctx, env.ContainerID)
}

// Stats returns the normalized resource usage for the environment.
func (m *Manager) Stats(ctx context.Context, id string) (container.Usage, error) {
	env, err := m.Get(ctx, id)
	if err != nil {
		return container.Usage{}, err
	}
	if !env.IsLive() {
		return container.Usage{}, domain.BadRequest("environment %s has no container", id)
	}
	return m.containers.Stats(ctx, env.ContainerID)
}

// Resolve returns the live container handle for an environment, for callers
// that execute code or tail logs.
func (m *Manager) Resolve(ctx context.Context, id string) (string, error) {
	env, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !env.IsLive() {
		return "", domain.BadRequest("environment %s has no container", id)
	}
	return env.ContainerID, nil
}

// CanAccess enforces environment-level authorization: the caller must own
// the environment or share a team with its owner. Unknown environments
// surface as NotFound so callers cannot probe for existence.
func (m *Manager) CanAccess(ctx context.Context, userID, envID string) error {
	env, err := m.store.Get(envID)
	if err != nil {
		return domain.NotFound("environment %s not found", envID)
	}
	if env.OwnerID == userID {
		return nil
	}
	if m.teams != nil {
		ok, err := m.teams.SameTeam(ctx, userID, env.OwnerID)
		if err != nil {
			return domain.Internal(err, "check team membership")
		}
		if ok {
			return nil
		}
	}
	return domain.Forbidden("user %s cannot access environment %s", userID, envID)
}

// Close destroys all live environments and closes the container manager.
func (m *Manager) Close(ctx context.Context) error {
	live, err := m.store.ListLive()
	if err != nil {
		slog.Warn("failed to list live environments during shutdown", "error", err)
	} else {
		for _, env := range live {
			if env.ContainerID != "" {
				_ = m.containers.Remove(ctx, env.ContainerID, true)
			}
			env.ContainerID = ""
			env.Status = StatusDestroyed
			env.UpdatedAt = time.Now().UTC()
			_ = m.store.Save(env)
		}
	}
	return m.containers.Close()
}
