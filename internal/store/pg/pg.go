// Package pg opens the Postgres-backed conversation store.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/groupclaw/internal/store/sqlstore"
)

// OpenDB opens a pooled connection through the pgx database/sql driver and
// verifies it with a ping.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New opens the database, applies pending migrations, and returns the store.
func New(dsn string) (*sqlstore.Store, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	m, err := NewMigrator(db, "")
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := sqlstore.Up(m); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return sqlstore.New(db, sqlstore.Postgres), nil
}

// NewMigrator returns a migrator for db; dir overrides the embedded migrations.
func NewMigrator(db *sql.DB, dir string) (*migrate.Migrate, error) {
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	return sqlstore.NewMigrator(sqlstore.Postgres, drv, dir)
}
