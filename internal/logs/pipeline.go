package logs

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/domain"
)

// Config carries the retention and paging knobs of the pipeline.
type Config struct {
	RetentionDays      int
	MaxSizeMB          int
	CompressionAgeDays int
	DefaultPageSize    int
	MaxPageSize        int
}

// DefaultConfig mirrors the daemon's shipped defaults.
func DefaultConfig() Config {
	return Config{
		RetentionDays:      7,
		MaxSizeMB:          20,
		CompressionAgeDays: 3,
		DefaultPageSize:    100,
		MaxPageSize:        1000,
	}
}

// Pipeline persists, queries, tails, sweeps and exports environment logs.
type Pipeline struct {
	store  Store
	access AccessChecker
	tailer Tailer
	envs   Resolver
	cfg    Config
}

func NewPipeline(store Store, access AccessChecker, tailer Tailer, envs Resolver, cfg Config) *Pipeline {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 1000
	}
	return &Pipeline{store: store, access: access, tailer: tailer, envs: envs, cfg: cfg}
}

// Ingest writes a single entry, stamping the receive time when the entry
// carries none.
func (p *Pipeline) Ingest(ctx context.Context, entry Entry) error {
	if entry.EnvironmentID == "" {
		return domain.Validation("environment id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return p.store.Write(ctx, entry)
}

// IngestBatch writes a batch atomically. An empty batch is a no-op.
func (p *Pipeline) IngestBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].EnvironmentID == "" {
			return domain.Validation("environment id is required")
		}
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
		}
	}
	return p.store.WriteBatch(ctx, entries)
}

// GetLogs returns one page of an environment's logs, newest page layout
// following the store's timestamp order. Page numbers are 1-based; zero or
// negative values fall back to the first page and the default page size, and
// oversized page sizes are clamped to the configured maximum.
func (p *Pipeline) GetLogs(ctx context.Context, userID, envID string, f Filter, page, pageSize int) (*QueryResult, error) {
	if err := p.access.CanAccess(ctx, userID, envID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = p.cfg.DefaultPageSize
	}
	if pageSize > p.cfg.MaxPageSize {
		pageSize = p.cfg.MaxPageSize
	}
	entries, total, err := p.store.Query(ctx, envID, f, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, domain.Internal(err, "query logs for %s", envID)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &QueryResult{Entries: entries, Total: total, Page: page, PageSize: pageSize}, nil
}

// StreamLogs attaches a live tail to the environment's container and invokes
// fn for every new line. It returns a detach function that is safe to call
// more than once.
func (p *Pipeline) StreamLogs(ctx context.Context, userID, envID string, fn func(Entry)) (func(), error) {
	if err := p.access.CanAccess(ctx, userID, envID); err != nil {
		return nil, err
	}
	containerID, err := p.envs.Resolve(ctx, envID)
	if err != nil {
		return nil, err
	}
	opts := container.LogsOptions{Stdout: true, Stderr: true, Timestamps: true}
	return p.tailer.FollowLogs(ctx, containerID, opts, func(line container.LogLine) {
		ts := line.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		fn(Entry{
			EnvironmentID: envID,
			Timestamp:     ts,
			Stream:        line.Stream,
			Message:       line.Message,
		})
	})
}

// Export renders an environment's full log as text, one line per entry in
// the form "[STDOUT] message". With compress set the text is gzipped. An
// environment with no logs exports as empty output, not an error.
func (p *Pipeline) Export(ctx context.Context, userID, envID string, compress bool) ([]byte, error) {
	if err := p.access.CanAccess(ctx, userID, envID); err != nil {
		return nil, err
	}
	entries, err := p.store.All(ctx, envID)
	if err != nil {
		return nil, domain.Internal(err, "export logs for %s", envID)
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(e.Stream)), e.Message)
	}
	text := []byte(b.String())
	if !compress {
		return text, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(text); err != nil {
		return nil, domain.Internal(err, "compress export for %s", envID)
	}
	if err := zw.Close(); err != nil {
		return nil, domain.Internal(err, "compress export for %s", envID)
	}
	slog.Debug("exported logs", "environment_id", envID, "entries", len(entries), "compressed", true)
	return buf.Bytes(), nil
}
