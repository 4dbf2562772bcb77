package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"evelogi/internal/logger"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to the caller.
	ErrNotFound = errors.New("db: not found")
	// ErrDuplicateStructure is returned when a user already tracks the structure.
	ErrDuplicateStructure = errors.New("db: structure already registered")
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	sqlDB, err := sql.Open("sqlite", path+sep+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// OpenMemory opens a private in-memory database. A single connection keeps
// every query on the same memory instance.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SqlDB returns the underlying *sql.DB for use by other packages (e.g. auth store).
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}

// tables lists every application table, children first.
var tables = []string{
	"month_volume",
	"structures",
	"characters",
	"users",
	"role_permissions",
	"permissions",
	"roles",
	"schema_version",
}

// Reset drops every table and recreates the schema.
func (d *DB) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := d.sql.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
	}
	logger.Warn("DB", "Dropped all tables")
	return d.migrate()
}

func (d *DB) migrate() error {
	version := 0
	// Missing table on a fresh file leaves version at 0.
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS roles (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				name       TEXT NOT NULL UNIQUE,
				is_default INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS permissions (
				id   INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE
			);

			CREATE TABLE IF NOT EXISTS role_permissions (
				role_id       INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
				permission_id INTEGER NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
				PRIMARY KEY (role_id, permission_id)
			);

			CREATE TABLE IF NOT EXISTS users (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				role_id    INTEGER REFERENCES roles(id),
				created_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS characters (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				character_id  INTEGER NOT NULL UNIQUE,
				name          TEXT NOT NULL UNIQUE,
				owner_hash    TEXT NOT NULL,
				user_id       INTEGER REFERENCES users(id) ON DELETE SET NULL,
				access_token  TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				expires_at    INTEGER NOT NULL DEFAULT 0,
				scopes        TEXT NOT NULL DEFAULT '',
				created_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_characters_user ON characters(user_id);

			CREATE TABLE IF NOT EXISTS structures (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				structure_id        INTEGER NOT NULL,
				name                TEXT NOT NULL,
				character_id        INTEGER NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
				outbound_fee        REAL NOT NULL DEFAULT 0,
				outbound_collateral REAL NOT NULL DEFAULT 0,
				inbound_fee         REAL NOT NULL DEFAULT 0,
				inbound_collateral  REAL NOT NULL DEFAULT 0,
				sales_tax           REAL NOT NULL DEFAULT 0,
				brokers_fee         REAL NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_structures_character ON structures(character_id);

			CREATE TABLE IF NOT EXISTS month_volume (
				type_id    INTEGER NOT NULL,
				region_id  INTEGER NOT NULL,
				volume     INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (type_id, region_id)
			);
			CREATE INDEX IF NOT EXISTS idx_month_volume_updated ON month_volume(updated_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1")
	}

	return nil
}
