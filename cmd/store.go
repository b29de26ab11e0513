package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/landingkit/abtest/internal/store"
)

// openStore builds the configured store backend. SQLite is the default;
// Postgres is selected with store.driver=postgres and a database_url.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: postgres driver requires store.database_url")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}
