package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/logs"
)

func seedEntries(t *testing.T, store *LogStore, envID string, n int, base time.Time) {
	t.Helper()
	batch := make([]logs.Entry, 0, n)
	for i := 0; i < n; i++ {
		stream := container.StreamStdout
		if i%2 == 1 {
			stream = container.StreamStderr
		}
		batch = append(batch, logs.Entry{
			EnvironmentID: envID,
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			Stream:        stream,
			Message:       "line",
		})
	}
	if err := store.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
}

func TestLogStore_Write_Query(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEntries(t, store, "env-1", 10, base)

	entries, total, err := store.Query(ctx, "env-1", logs.Filter{}, 0, 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if total != 10 {
		t.Errorf("total = %d; want 10", total)
	}
	if len(entries) != 5 {
		t.Fatalf("page size = %d; want 5", len(entries))
	}
	if !entries[0].Timestamp.Equal(base) {
		t.Errorf("first entry ts = %v; want %v", entries[0].Timestamp, base)
	}
	if entries[0].ID == 0 {
		t.Error("entry id not assigned")
	}
}

func TestLogStore_QueryFilters(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEntries(t, store, "env-1", 10, base)
	store.Write(ctx, logs.Entry{
		EnvironmentID: "env-1", Timestamp: base.Add(time.Minute),
		Stream: container.StreamStdout, Message: "needle in here",
	})

	_, total, err := store.Query(ctx, "env-1", logs.Filter{Stream: "stderr"}, 0, 100)
	if err != nil {
		t.Fatalf("Query(stream) error = %v", err)
	}
	if total != 5 {
		t.Errorf("stderr total = %d; want 5", total)
	}

	since := base.Add(5 * time.Second)
	until := base.Add(8 * time.Second)
	_, total, err = store.Query(ctx, "env-1", logs.Filter{Since: &since, Until: &until}, 0, 100)
	if err != nil {
		t.Fatalf("Query(range) error = %v", err)
	}
	if total != 4 {
		t.Errorf("range total = %d; want 4", total)
	}

	entries, total, err := store.Query(ctx, "env-1", logs.Filter{Search: "needle"}, 0, 100)
	if err != nil {
		t.Fatalf("Query(search) error = %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].Message != "needle in here" {
		t.Errorf("search = %d entries, total %d; want exactly the needle", len(entries), total)
	}
}

func TestLogStore_QueryIsolatesEnvironments(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)

	base := time.Now().UTC().Add(-time.Hour)
	seedEntries(t, store, "env-1", 3, base)
	seedEntries(t, store, "env-2", 7, base)

	_, total, err := store.Query(context.Background(), "env-1", logs.Filter{}, 0, 100)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if total != 3 {
		t.Errorf("env-1 total = %d; want 3", total)
	}

	ids, err := store.Environments(context.Background())
	if err != nil {
		t.Fatalf("Environments() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "env-1" || ids[1] != "env-2" {
		t.Errorf("Environments() = %v; want [env-1 env-2]", ids)
	}
}

func TestLogStore_DeleteBefore(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seedEntries(t, store, "env-1", 10, base)

	cutoff := base.Add(4 * time.Second)
	deleted, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if deleted != 4 {
		t.Errorf("deleted = %d; want 4", deleted)
	}

	count, err := store.CountBefore(ctx, "env-1", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("CountBefore() error = %v", err)
	}
	if count != 6 {
		t.Errorf("remaining = %d; want 6", count)
	}
}

func TestLogStore_DeleteOldest(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEntries(t, store, "env-1", 10, base)

	deleted, err := store.DeleteOldest(ctx, "env-1", 3)
	if err != nil {
		t.Fatalf("DeleteOldest() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted = %d; want 3", deleted)
	}

	all, err := store.All(ctx, "env-1")
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("remaining = %d; want 7", len(all))
	}
	if !all[0].Timestamp.Equal(base.Add(3 * time.Second)) {
		t.Errorf("oldest remaining ts = %v; want %v", all[0].Timestamp, base.Add(3*time.Second))
	}

	if n, err := store.DeleteOldest(ctx, "env-1", 0); err != nil || n != 0 {
		t.Errorf("DeleteOldest(0) = %d, %v; want 0, nil", n, err)
	}
}

func TestLogStore_Stats(t *testing.T) {
	db := openTestDB(t)
	store := NewLogStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEntries(t, store, "env-1", 5, base)

	st, err := store.Stats(ctx, "env-1")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Count != 5 {
		t.Errorf("Count = %d; want 5", st.Count)
	}
	if st.SizeBytes != 5*int64(len("line")) {
		t.Errorf("SizeBytes = %d; want %d", st.SizeBytes, 5*len("line"))
	}
	if !st.Oldest.Equal(base) {
		t.Errorf("Oldest = %v; want %v", st.Oldest, base)
	}

	empty, err := store.Stats(ctx, "env-empty")
	if err != nil {
		t.Fatalf("Stats(empty) error = %v", err)
	}
	if empty.Count != 0 || empty.SizeBytes != 0 || !empty.Oldest.IsZero() {
		t.Errorf("empty stats = %+v; want zero values", empty)
	}
}
