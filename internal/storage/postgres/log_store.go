package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/logs"
)

// LogStore implements log persistence backed by PostgreSQL.
type LogStore struct {
	db *DB
}

// NewLogStore creates a new PostgreSQL-backed log store.
func NewLogStore(db *DB) *LogStore {
	return &LogStore{db: db}
}

// Write appends one entry.
func (s *LogStore) Write(ctx context.Context, e logs.Entry) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO log_entries (environment_id, ts, stream, message, size_bytes)
		VALUES ($1, $2, $3, $4, $5)`,
		e.EnvironmentID, e.Timestamp, string(e.Stream), e.Message, len(e.Message))
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// WriteBatch appends all entries atomically: the batch runs inside one
// transaction, so a mid-batch failure rolls everything back.
func (s *LogStore) WriteBatch(ctx context.Context, entries []logs.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO log_entries (environment_id, ts, stream, message, size_bytes)
			VALUES ($1, $2, $3, $4, $5)`,
			e.EnvironmentID, e.Timestamp, string(e.Stream), e.Message, len(e.Message))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("send log batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

func buildFilter(envID string, f logs.Filter) (string, []any) {
	where := "environment_id = $1"
	args := []any{envID}
	if f.Stream != "" {
		args = append(args, f.Stream)
		where += fmt.Sprintf(" AND stream = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where += fmt.Sprintf(" AND message LIKE $%d", len(args))
	}
	return where, args
}

// Query returns one page of matching entries plus the total match count.
func (s *LogStore) Query(ctx context.Context, envID string, f logs.Filter, offset, limit int) ([]logs.Entry, int, error) {
	where, args := buildFilter(envID, f)

	var total int
	if err := s.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM log_entries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count log entries: %w", err)
	}

	pageArgs := append(args, limit, offset)
	rows, err := s.db.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, environment_id, ts, stream, message
		FROM log_entries WHERE %s
		ORDER BY ts, id LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2),
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query log entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// All returns every entry for an environment, oldest first.
func (s *LogStore) All(ctx context.Context, envID string) ([]logs.Entry, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT id, environment_id, ts, stream, message
		FROM log_entries WHERE environment_id = $1
		ORDER BY ts, id`, envID)
	if err != nil {
		return nil, fmt.Errorf("load log entries: %w", err)
	}
	return collectEntries(rows)
}

// DeleteBefore removes entries older than cutoff across all environments.
func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.pool.Exec(ctx, "DELETE FROM log_entries WHERE ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldest removes the n oldest entries of one environment.
func (s *LogStore) DeleteOldest(ctx context.Context, envID string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	tag, err := s.db.pool.Exec(ctx, `
		DELETE FROM log_entries WHERE id IN (
			SELECT id FROM log_entries WHERE environment_id = $1
			ORDER BY ts, id LIMIT $2)`, envID, n)
	if err != nil {
		return 0, fmt.Errorf("delete oldest log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountBefore counts an environment's entries older than cutoff.
func (s *LogStore) CountBefore(ctx context.Context, envID string, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM log_entries WHERE environment_id = $1 AND ts < $2",
		envID, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count log entries before cutoff: %w", err)
	}
	return count, nil
}

// Environments lists ids of environments that hold entries.
func (s *LogStore) Environments(ctx context.Context) ([]string, error) {
	rows, err := s.db.pool.Query(ctx,
		"SELECT DISTINCT environment_id FROM log_entries ORDER BY environment_id")
	if err != nil {
		return nil, fmt.Errorf("list log environments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan environment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats summarizes one environment's stored volume.
func (s *LogStore) Stats(ctx context.Context, envID string) (logs.StoreStats, error) {
	var st logs.StoreStats
	var oldest, newest sql.NullTime
	err := s.db.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0), MIN(ts), MAX(ts)
		FROM log_entries WHERE environment_id = $1`, envID).
		Scan(&st.Count, &st.SizeBytes, &oldest, &newest)
	if err != nil {
		return logs.StoreStats{}, fmt.Errorf("log stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = oldest.Time
	}
	if newest.Valid {
		st.Newest = newest.Time
	}
	return st, nil
}

func collectEntries(rows pgx.Rows) ([]logs.Entry, error) {
	defer rows.Close()
	var entries []logs.Entry
	for rows.Next() {
		var e logs.Entry
		var stream string
		if err := rows.Scan(&e.ID, &e.EnvironmentID, &e.Timestamp, &stream, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Stream = container.StreamTag(stream)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ensure LogStore implements logs.Store.
var _ logs.Store = (*LogStore)(nil)
