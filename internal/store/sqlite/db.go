// Package sqlite is the default Store backend, using the pure-Go
// modernc.org/sqlite driver so the binary stays cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/orcfabric/fabric/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Backend implements store.Store over a single SQLite database file.
type Backend struct {
	db *sql.DB
}

// Open creates a Backend against the given DSN path (e.g. "orcfabric.db"
// or ":memory:"). It does not apply migrations; call Initialize for that.
func Open(path string) (*Backend, error) {
	dsn := path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, matches WAL single-writer model
	return &Backend{db: db}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}
	return b.migrate(ctx)
}

func (b *Backend) migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("sqlite: bootstrap schema_version: %w", err)
	}

	var current int
	row := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema_version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("sqlite: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := versionFromName(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version, applied_at) VALUES (?, strftime('%s','now')*1000)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %s: %w", name, err)
		}
		slog.Info("sqlite migration applied", "version", version, "file", name)
		current = version
	}
	return nil
}

func versionFromName(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx < 0 {
		return 0, fmt.Errorf("sqlite: malformed migration filename %q", name)
	}
	n, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, fmt.Errorf("sqlite: malformed migration version %q: %w", name, err)
	}
	return n, nil
}

func (b *Backend) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := b.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: integrity check failed: %s", result)
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

// DB exposes the underlying connection pool for callers that need it
// directly, such as the httpapi liveness check.
func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Sessions() store.SessionRepo   { return &sessionRepo{db: b.db} }
func (b *Backend) Messages() store.MessageRepo   { return &messageRepo{db: b.db} }
func (b *Backend) Tasks() store.TaskRepo         { return &taskRepo{db: b.db} }
func (b *Backend) Subagents() store.SubagentRepo { return &subagentRepo{db: b.db} }
func (b *Backend) Approvals() store.ApprovalRepo { return &approvalRepo{db: b.db} }
func (b *Backend) Schedules() store.ScheduleRepo { return &scheduleRepo{db: b.db} }
func (b *Backend) State() store.StateRepo        { return &stateRepo{db: b.db} }
func (b *Backend) Memory() store.MemoryRepo      { return &memoryRepo{db: b.db} }
func (b *Backend) Audit() store.AuditRepo        { return &auditRepo{db: b.db} }

var _ store.Store = (*Backend)(nil)
