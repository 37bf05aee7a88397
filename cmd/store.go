package cmd

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
	"github.com/nextlevelbuilder/groupclaw/internal/store/file"
	"github.com/nextlevelbuilder/groupclaw/internal/store/pg"
	"github.com/nextlevelbuilder/groupclaw/internal/store/sqlite"
)

// openStore opens the conversation store selected by storage.driver.
// SQL stores apply pending migrations on open.
func openStore(cfg config.StorageConfig) (store.ConversationStore, error) {
	switch cfg.Driver {
	case "", "file":
		return file.New(config.ExpandHome(cfg.Path))
	case "sqlite":
		return sqlite.New(config.ExpandHome(cfg.Path))
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("GROUPCLAW_POSTGRES_DSN environment variable is not set")
		}
		return pg.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// openMigrator returns a migrator for the configured SQL store. dir
// overrides the embedded migrations when set.
func openMigrator(cfg config.StorageConfig, dir string) (*migrate.Migrate, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.OpenDB(config.ExpandHome(cfg.Path))
		if err != nil {
			return nil, err
		}
		m, err := sqlite.NewMigrator(db, dir)
		if err != nil {
			db.Close()
			return nil, err
		}
		return m, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("GROUPCLAW_POSTGRES_DSN environment variable is not set")
		}
		db, err := pg.OpenDB(cfg.DSN)
		if err != nil {
			return nil, err
		}
		m, err := pg.NewMigrator(db, dir)
		if err != nil {
			db.Close()
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("storage driver %q has no schema to migrate", cfg.Driver)
	}
}
