package logs

import (
	"context"
	"time"

	"github.com/devcell/devcell/internal/container"
)

// Entry is one line of output owned by an environment. Entries are immutable
// once written; only retention sweeps delete them.
type Entry struct {
	ID            int64               `json:"id,omitempty"`
	EnvironmentID string              `json:"environment_id"`
	Timestamp     time.Time           `json:"timestamp"`
	Stream        container.StreamTag `json:"stream"`
	Message       string              `json:"message"`
}

// Filter narrows a log query.
type Filter struct {
	Stream string     `json:"stream,omitempty"` // "stdout" | "stderr" | ""
	Since  *time.Time `json:"since,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
	Search string     `json:"search,omitempty"` // substring match on message
}

// QueryResult is one page of entries plus total-count metadata.
type QueryResult struct {
	Entries  []Entry `json:"entries"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

// StoreStats summarizes one environment's stored volume.
type StoreStats struct {
	Count     int64     `json:"count"`
	SizeBytes int64     `json:"size_bytes"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
}

// Store is the persistence contract for log entries. Entries for one
// environment are stored and returned in non-decreasing timestamp order.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	// WriteBatch appends all entries atomically: the whole batch commits
	// or none of it does.
	WriteBatch(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, envID string, f Filter, offset, limit int) ([]Entry, int, error)
	// All returns every entry for an environment, oldest first.
	All(ctx context.Context, envID string) ([]Entry, error)
	// DeleteBefore bulk-deletes entries older than cutoff across all
	// environments and reports how many went away.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteOldest deletes the n oldest entries of one environment.
	DeleteOldest(ctx context.Context, envID string, n int) (int64, error)
	// CountBefore counts an environment's entries older than cutoff.
	CountBefore(ctx context.Context, envID string, cutoff time.Time) (int64, error)
	// Environments lists ids of environments that currently hold entries.
	Environments(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, envID string) (StoreStats, error)
}

// AccessChecker answers whether a caller may read an environment's logs.
// Implementations return a NotFound error for unknown environments and a
// Forbidden error for unauthorized callers.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, envID string) error
}

// Tailer is the slice of the container manager used for live tailing.
type Tailer interface {
	FollowLogs(ctx context.Context, containerID string, opts container.LogsOptions, fn func(container.LogLine)) (func(), error)
}

// Resolver maps an environment id to its live container handle.
type Resolver interface {
	Resolve(ctx context.Context, envID string) (string, error)
}
