package logs

import (
	"context"
	"log/slog"
	"time"

	"github.com/devcell/devcell/internal/domain"
)

// CleanupStats reports one retention sweep.
type CleanupStats struct {
	DeletedByAge          int64     `json:"deleted_by_age"`
	DeletedBySize         int64     `json:"deleted_by_size"`
	EnvironmentsProcessed int       `json:"environments_processed"`
	SpaceFreedMB          float64   `json:"space_freed_mb"`
	DurationMs            int64     `json:"duration_ms"`
	Timestamp             time.Time `json:"timestamp"`
}

// EnvStats describes one environment's stored logs plus non-mutating
// projections of what the next sweep would remove.
type EnvStats struct {
	EnvironmentID         string    `json:"environment_id"`
	Count                 int64     `json:"count"`
	SizeBytes             int64     `json:"size_bytes"`
	SizeMB                float64   `json:"size_mb"`
	Oldest                time.Time `json:"oldest,omitempty"`
	Newest                time.Time `json:"newest,omitempty"`
	CompressibleCount     int64     `json:"compressible_count"`
	ProjectedDeleteByAge  int64     `json:"projected_delete_by_age"`
	ProjectedDeleteBySize int64     `json:"projected_delete_by_size"`
	ProjectedFreedMB      float64   `json:"projected_freed_mb"`
}

// GlobalStats aggregates all environments.
type GlobalStats struct {
	Environments  int     `json:"environments"`
	TotalCount    int64   `json:"total_count"`
	TotalSizeMB   float64 `json:"total_size_mb"`
	RetentionDays int     `json:"retention_days"`
	MaxSizeMB     int     `json:"max_size_mb"`
}

func entrySize(e Entry) int64 {
	return int64(len(e.Message))
}

// planSizeEviction walks entries oldest-first and picks how many must go for
// the remainder to fit under maxBytes. Both the sweep and the projection use
// this so they always agree.
func planSizeEviction(entries []Entry, maxBytes int64) (evict int, freed int64) {
	var total int64
	for _, e := range entries {
		total += entrySize(e)
	}
	for evict < len(entries) && total > maxBytes {
		freed += entrySize(entries[evict])
		total -= entrySize(entries[evict])
		evict++
	}
	return evict, freed
}

// RunCleanup performs one retention sweep: an age pass deleting entries past
// the retention window, then a per-environment size pass evicting oldest
// entries until each environment fits under the size cap.
func (p *Pipeline) RunCleanup(ctx context.Context) (*CleanupStats, error) {
	start := time.Now()
	stats := &CleanupStats{Timestamp: start.UTC()}

	cutoff := start.Add(-time.Duration(p.cfg.RetentionDays) * 24 * time.Hour)
	byAge, err := p.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return nil, domain.Internal(err, "age sweep")
	}
	stats.DeletedByAge = byAge

	envIDs, err := p.store.Environments(ctx)
	if err != nil {
		return nil, domain.Internal(err, "list environments with logs")
	}
	maxBytes := int64(p.cfg.MaxSizeMB) * 1024 * 1024
	var freedBySize int64
	for _, envID := range envIDs {
		entries, err := p.store.All(ctx, envID)
		if err != nil {
			return nil, domain.Internal(err, "size sweep for %s", envID)
		}
		evict, freed := planSizeEviction(entries, maxBytes)
		if evict == 0 {
			continue
		}
		deleted, err := p.store.DeleteOldest(ctx, envID, evict)
		if err != nil {
			return nil, domain.Internal(err, "evict oldest for %s", envID)
		}
		stats.DeletedBySize += deleted
		freedBySize += freed
	}
	stats.EnvironmentsProcessed = len(envIDs)
	stats.SpaceFreedMB = float64(freedBySize) / (1024 * 1024)
	stats.DurationMs = time.Since(start).Milliseconds()

	slog.Info("log cleanup complete",
		"deleted_by_age", stats.DeletedByAge,
		"deleted_by_size", stats.DeletedBySize,
		"environments", stats.EnvironmentsProcessed,
		"space_freed_mb", stats.SpaceFreedMB,
		"duration_ms", stats.DurationMs)
	return stats, nil
}

// EnvironmentStats returns one environment's volume plus sweep projections.
// The projections never mutate stored data.
func (p *Pipeline) EnvironmentStats(ctx context.Context, envID string) (*EnvStats, error) {
	base, err := p.store.Stats(ctx, envID)
	if err != nil {
		return nil, domain.Internal(err, "stats for %s", envID)
	}
	now := time.Now()
	ageCutoff := now.Add(-time.Duration(p.cfg.RetentionDays) * 24 * time.Hour)
	expired, err := p.store.CountBefore(ctx, envID, ageCutoff)
	if err != nil {
		return nil, domain.Internal(err, "count expired for %s", envID)
	}
	compressCutoff := now.Add(-time.Duration(p.cfg.CompressionAgeDays) * 24 * time.Hour)
	compressible, err := p.store.CountBefore(ctx, envID, compressCutoff)
	if err != nil {
		return nil, domain.Internal(err, "count compressible for %s", envID)
	}

	// Size projection runs on what the age pass would leave behind.
	entries, err := p.store.All(ctx, envID)
	if err != nil {
		return nil, domain.Internal(err, "load entries for %s", envID)
	}
	var freedByAge int64
	survivors := entries
	for len(survivors) > 0 && survivors[0].Timestamp.Before(ageCutoff) {
		freedByAge += entrySize(survivors[0])
		survivors = survivors[1:]
	}
	maxBytes := int64(p.cfg.MaxSizeMB) * 1024 * 1024
	evict, freedBySize := planSizeEviction(survivors, maxBytes)

	return &EnvStats{
		EnvironmentID:         envID,
		Count:                 base.Count,
		SizeBytes:             base.SizeBytes,
		SizeMB:                float64(base.SizeBytes) / (1024 * 1024),
		Oldest:                base.Oldest,
		Newest:                base.Newest,
		CompressibleCount:     compressible,
		ProjectedDeleteByAge:  expired,
		ProjectedDeleteBySize: int64(evict),
		ProjectedFreedMB:      float64(freedByAge+freedBySize) / (1024 * 1024),
	}, nil
}

// AllEnvironmentStats returns per-environment stats for every environment
// that holds logs.
func (p *Pipeline) AllEnvironmentStats(ctx context.Context) ([]EnvStats, error) {
	envIDs, err := p.store.Environments(ctx)
	if err != nil {
		return nil, domain.Internal(err, "list environments with logs")
	}
	out := make([]EnvStats, 0, len(envIDs))
	for _, envID := range envIDs {
		s, err := p.EnvironmentStats(ctx, envID)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Stats aggregates volume across all environments.
func (p *Pipeline) Stats(ctx context.Context) (*GlobalStats, error) {
	envIDs, err := p.store.Environments(ctx)
	if err != nil {
		return nil, domain.Internal(err, "list environments with logs")
	}
	g := &GlobalStats{
		Environments:  len(envIDs),
		RetentionDays: p.cfg.RetentionDays,
		MaxSizeMB:     p.cfg.MaxSizeMB,
	}
	var totalBytes int64
	for _, envID := range envIDs {
		s, err := p.store.Stats(ctx, envID)
		if err != nil {
			return nil, domain.Internal(err, "stats for %s", envID)
		}
		g.TotalCount += s.Count
		totalBytes += s.SizeBytes
	}
	g.TotalSizeMB = float64(totalBytes) / (1024 * 1024)
	return g, nil
}

// StartCleanupLoop sweeps on the given interval until ctx is cancelled.
func (p *Pipeline) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.RunCleanup(ctx); err != nil {
					slog.Error("log cleanup failed", "error", err)
				}
			}
		}
	}()
}
