package sqlite

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/devcell/devcell/internal/storage/migrations"
	_ "github.com/mattn/go-sqlite3"
)

// busyTimeoutMs bounds how long a writer waits on the file lock before
// SQLITE_BUSY surfaces as an error.
const busyTimeoutMs = 5000

// DB is the daemon's embedded store. It embeds sql.DB, so callers use the
// standard query API directly.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database file with WAL journaling and foreign
// keys on. SQLite allows one writer at a time, so the pool is pinned to a
// single connection.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=%d", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db}, nil
}

type migration struct {
	version int
	name    string
}

// Migrate brings the schema up to date. Each pending migration file runs in
// its own transaction together with its version bookkeeping row, so a failed
// migration leaves the recorded version untouched.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := db.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if err := db.apply(m); err != nil {
			return err
		}
		current = m.version
	}

	if len(pending) > 0 {
		slog.Info("schema migrated", "applied", len(pending), "version", current)
	}
	return nil
}

func (db *DB) apply(m migration) error {
	data, err := fs.ReadFile(migrations.FS, m.name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.name, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(string(data)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.name, err)
	}

	slog.Info("applied migration", "name", m.name, "version", m.version)
	return nil
}

// pendingMigrations lists the embedded migration files newer than the given
// version, ordered oldest first.
func pendingMigrations(after int) ([]migration, error) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(e.Name())
		if err != nil {
			slog.Warn("skipping non-migration file", "name", e.Name(), "error", err)
			continue
		}
		if version > after {
			pending = append(pending, migration{version: version, name: e.Name()})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })
	return pending, nil
}

// Version returns the highest applied schema version, 0 before any migration.
func (db *DB) Version() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// parseVersion reads the numeric prefix of a migration filename such as
// "001_initial.sql".
func parseVersion(name string) (int, error) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, fmt.Errorf("migration filename %q has no version prefix", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration filename %q: %w", name, err)
	}
	return version, nil
}
