// Package pg is the optional Postgres Store backend, grounded on the
// teacher's internal/store/pg package (same database/sql + pgx stdlib
// driver + lib/pq array-type approach, same conditional-UPDATE claim
// pattern for task CRUD).
package pg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/orcfabric/fabric/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Backend implements store.Store over a Postgres database, reached via
// dsn (read from the environment only — never persisted to config.json,
// matching the teacher's DatabaseConfig.PostgresDSN convention).
type Backend struct {
	db *sql.DB
}

func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pg: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(b.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pg: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pg: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

func (b *Backend) CheckIntegrity(ctx context.Context) error {
	return b.db.PingContext(ctx)
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
