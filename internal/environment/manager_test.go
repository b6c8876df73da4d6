package environment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	envs map[string]*Environment
}

func newMemStore() *memStore {
	return &memStore{envs: map[string]*Environment{}}
}

func (s *memStore) Save(env *Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *env
	s.envs[env.ID] = &cp
	return nil
}

func (s *memStore) Get(id string) (*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *env
	return &cp, nil
}

func (s *memStore) ListByOwner(ownerID string) ([]*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Environment
	for _, env := range s.envs {
		if env.OwnerID == ownerID {
			cp := *env
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListLive() ([]*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Environment
	for _, env := range s.envs {
		if env.IsLive() {
			cp := *env
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, id)
	return nil
}

type fakeContainers struct {
	mu        sync.Mutex
	created   []container.Spec
	removed   []string
	started   []string
	stopped   []string
	restarted []string
	createErr error
	nextID    int
}

func (f *fakeContainers) Create(ctx context.Context, spec container.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, spec)
	return "ctr-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeContainers) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeContainers) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeContainers) Restart(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	return nil
}

func (f *fakeContainers) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeContainers) Inspect(ctx context.Context, id string) (container.Info, error) {
	return container.Info{ID: id, State: container.StateRunning}, nil
}

func (f *fakeContainers) Stats(ctx context.Context, id string) (container.Usage, error) {
	return container.Usage{CPUPercent: 1.5}, nil
}

func (f *fakeContainers) Close() error { return nil }

func newTestManager(t *testing.T) (*Manager, *memStore, *fakeContainers) {
	t.Helper()
	store := newMemStore()
	containers := &fakeContainers{}
	return NewManager(store, containers, nil, "alpine:3.20"), store, containers
}

func TestManager_Create(t *testing.T) {
	m, _, containers := newTestManager(t)

	env, err := m.Create(context.Background(), CreateRequest{OwnerID: "user-1", Name: "dev"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if env.Status != StatusReady {
		t.Errorf("Status = %q; want %q", env.Status, StatusReady)
	}
	if env.ContainerID == "" {
		t.Error("ContainerID not set")
	}
	if env.Image != "alpine:3.20" {
		t.Errorf("Image = %q; want default image", env.Image)
	}
	if len(containers.created) != 1 {
		t.Fatalf("created %d containers; want 1", len(containers.created))
	}
	if containers.created[0].MemoryMB != DefaultMemoryMB {
		t.Errorf("MemoryMB = %d; want default %d", containers.created[0].MemoryMB, DefaultMemoryMB)
	}
}

func TestManager_Create_RequiresOwner(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), CreateRequest{})
	if !domain.IsKind(err, domain.KindBadRequest) {
		t.Errorf("err = %v; want bad_request", err)
	}
}

func TestManager_Create_ContainerFailureRecorded(t *testing.T) {
	store := newMemStore()
	containers := &fakeContainers{createErr: domain.ImagePull(errors.New("registry down"), "pull image x")}
	m := NewManager(store, containers, nil, "alpine:3.20")

	_, err := m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})
	if !domain.IsKind(err, domain.KindImagePull) {
		t.Errorf("err = %v; want image_pull", err)
	}

	// The failed environment must not report a live handle
	live, _ := store.ListLive()
	if len(live) != 0 {
		t.Errorf("live environments = %d; want 0 after create failure", len(live))
	}
}

func TestManager_Destroy_ReleasesHandle(t *testing.T) {
	m, store, containers := newTestManager(t)

	env, err := m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Destroy(context.Background(), env.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if len(containers.removed) != 1 {
		t.Errorf("removed %d containers; want 1", len(containers.removed))
	}

	got, _ := store.Get(env.ID)
	if got.Status != StatusDestroyed || got.ContainerID != "" {
		t.Errorf("after destroy: status=%q container=%q; want destroyed with no handle",
			got.Status, got.ContainerID)
	}
}

func TestManager_Resolve(t *testing.T) {
	m, _, _ := newTestManager(t)

	env, _ := m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})

	id, err := m.Resolve(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if id != env.ContainerID {
		t.Errorf("Resolve() = %q; want %q", id, env.ContainerID)
	}

	_ = m.Destroy(context.Background(), env.ID)
	if _, err := m.Resolve(context.Background(), env.ID); !domain.IsKind(err, domain.KindBadRequest) {
		t.Errorf("Resolve() after destroy = %v; want bad_request", err)
	}
}

func TestManager_Resolve_UnknownEnvironment(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Resolve(context.Background(), "missing")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("err = %v; want not_found", err)
	}
}

type allowAllTeams struct{}

func (allowAllTeams) SameTeam(ctx context.Context, userID, ownerID string) (bool, error) {
	return true, nil
}

func TestManager_CanAccess(t *testing.T) {
	m, _, _ := newTestManager(t)
	env, _ := m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})

	if err := m.CanAccess(context.Background(), "user-1", env.ID); err != nil {
		t.Errorf("owner access denied: %v", err)
	}
	if err := m.CanAccess(context.Background(), "user-2", env.ID); !domain.IsKind(err, domain.KindForbidden) {
		t.Errorf("stranger access = %v; want forbidden", err)
	}
	if err := m.CanAccess(context.Background(), "user-1", "missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("missing env = %v; want not_found", err)
	}
}

func TestManager_CanAccess_TeamMember(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, &fakeContainers{}, allowAllTeams{}, "alpine:3.20")
	env, _ := m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})

	if err := m.CanAccess(context.Background(), "user-2", env.ID); err != nil {
		t.Errorf("team member access denied: %v", err)
	}
}

func TestManager_Close_DestroysLiveEnvironments(t *testing.T) {
	m, store, containers := newTestManager(t)

	_, _ = m.Create(context.Background(), CreateRequest{OwnerID: "user-1"})
	_, _ = m.Create(context.Background(), CreateRequest{OwnerID: "user-2"})

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(containers.removed) != 2 {
		t.Errorf("removed %d containers; want 2", len(containers.removed))
	}
	live, _ := store.ListLive()
	if len(live) != 0 {
		t.Errorf("live environments after close = %d; want 0", len(live))
	}
}
