package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devcell/devcell/internal/domain"
	"github.com/devcell/devcell/internal/environment"
)

// EnvironmentStore implements environment persistence backed by SQLite.
type EnvironmentStore struct {
	db *DB
}

// NewEnvironmentStore creates a new SQLite-backed environment store.
func NewEnvironmentStore(db *DB) *EnvironmentStore {
	return &EnvironmentStore{db: db}
}

const environmentColumns = `id, owner_id, name, container_id, image, status,
	memory_mb, cpu_limit, env, ports, created_at, updated_at`

// Save persists an environment (insert or update).
func (s *EnvironmentStore) Save(env *environment.Environment) error {
	envJSON, err := json.Marshal(env.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	portsJSON, err := json.Marshal(env.Ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO environments (id, owner_id, name, container_id, image, status,
			memory_mb, cpu_limit, env, ports, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			container_id=excluded.container_id, status=excluded.status,
			memory_mb=excluded.memory_mb, cpu_limit=excluded.cpu_limit,
			env=excluded.env, ports=excluded.ports,
			updated_at=excluded.updated_at`,
		env.ID, env.OwnerID, env.Name, env.ContainerID, env.Image,
		string(env.Status), env.MemoryMB, env.CPULimit,
		string(envJSON), string(portsJSON), env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert environment: %w", err)
	}
	return nil
}

// Get retrieves an environment by ID.
func (s *EnvironmentStore) Get(id string) (*environment.Environment, error) {
	row := s.db.QueryRow(
		"SELECT "+environmentColumns+" FROM environments WHERE id = ?", id)
	env, err := scanEnvironment(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("environment %s not found", id)
		}
		return nil, err
	}
	return env, nil
}

// ListByOwner returns all environments belonging to one owner, newest first.
func (s *EnvironmentStore) ListByOwner(ownerID string) ([]*environment.Environment, error) {
	rows, err := s.db.Query(
		"SELECT "+environmentColumns+` FROM environments
		WHERE owner_id = ? AND status != 'destroyed'
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list environments by owner: %w", err)
	}
	return collectEnvironments(rows)
}

// ListLive returns environments whose containers may still be running.
func (s *EnvironmentStore) ListLive() ([]*environment.Environment, error) {
	rows, err := s.db.Query(
		"SELECT "+environmentColumns+` FROM environments
		WHERE status IN ('creating', 'ready', 'stopped', 'error') AND container_id != ''
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list live environments: %w", err)
	}
	return collectEnvironments(rows)
}

// Delete removes an environment by ID.
func (s *EnvironmentStore) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM environments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NotFound("environment %s not found", id)
	}
	return nil
}

func collectEnvironments(rows *sql.Rows) ([]*environment.Environment, error) {
	defer rows.Close()
	var envs []*environment.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows.Scan)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func scanEnvironment(scan func(...any) error) (*environment.Environment, error) {
	var env environment.Environment
	var status, envJSON, portsJSON string

	err := scan(
		&env.ID, &env.OwnerID, &env.Name, &env.ContainerID, &env.Image,
		&status, &env.MemoryMB, &env.CPULimit, &envJSON, &portsJSON,
		&env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}

	env.Status = environment.Status(status)
	if err := json.Unmarshal([]byte(envJSON), &env.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	if err := json.Unmarshal([]byte(portsJSON), &env.Ports); err != nil {
		return nil, fmt.Errorf("unmarshal ports: %w", err)
	}

	return &env, nil
}

// Ensure EnvironmentStore implements environment.Store.
var _ environment.Store = (*EnvironmentStore)(nil)
