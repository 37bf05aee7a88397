// Package sqlite opens the SQLite-backed conversation store (pure Go driver).
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/groupclaw/internal/store/sqlstore"
)

// OpenDB opens the database file with a single shared connection; SQLite has
// one writer, so database/sql serializes callers instead of the file lock.
func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// New opens the database, applies pending migrations, and returns the store.
func New(path string) (*sqlstore.Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	m, err := NewMigrator(db, "")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := sqlstore.Up(m); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return sqlstore.New(db, sqlstore.SQLite), nil
}

// NewMigrator returns a migrator for db; dir overrides the embedded migrations.
func NewMigrator(db *sql.DB, dir string) (*migrate.Migrate, error) {
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	return sqlstore.NewMigrator(sqlstore.SQLite, drv, dir)
}
