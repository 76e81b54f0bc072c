package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added the drain index on sync_queue
const currentSchemaVersion = 1

// AuditTable is the doc table holding audit chain events.
const AuditTable = "audit_log"

var (
	// ErrUnknownTable is returned for doc operations on a table that was
	// never registered with EnsureTable.
	ErrUnknownTable = errors.New("unknown table")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
)

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is the primary storage layer: SQLite with one doc table per entity,
// the outbox, conflict reviews and a small key-value meta area.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	tables map[string]bool
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		tables: map[string]bool{AuditTable: true},
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureTable creates the doc table for an entity plus one expression index
// per indexed field, and registers the table for doc operations.
// Idempotent.
func (s *Store) EnsureTable(ctx context.Context, table string, indexes []string) error {
	if !identPattern.MatchString(table) {
		return fmt.Errorf("ensure table: invalid table name %q", table)
	}
	stmts := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL DEFAULT '',
			doc        TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			synced     INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s(tenant_id, id)`, table, table),
	}
	for _, field := range indexes {
		if !identPattern.MatchString(field) {
			return fmt.Errorf("ensure table %s: invalid index field %q", table, field)
		}
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(tenant_id, %s)`,
			table, field, table, fieldExpr(field)))
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

// HasTable reports whether table is a registered doc table.
func (s *Store) HasTable(table string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[table]
}

func (s *Store) checkTable(table string) error {
	if !s.HasTable(table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 makes sure the drain index exists on databases created before
// it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_queue_drain
		ON sync_queue(state, priority, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
