package store

import (
	"fmt"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// New opens the store selected by cfg.Driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "headshots.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
