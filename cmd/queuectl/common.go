package main

import (
	"context"
	"fmt"
	"os"

	"github.com/queuemesh/hybridqueue/store"
	"github.com/queuemesh/hybridqueue/store/postgres"
	"github.com/queuemesh/hybridqueue/store/sqlite"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openStore opens postgres when dsn is set, otherwise falls back to a
// file-backed sqlite database at sqlitePath — the same backend used for
// local development and store/sqlite's own tests.
func openStore(ctx context.Context, dsn, sqlitePath string) (store.Store, error) {
	if dsn != "" {
		db, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	db, err := sqlite.Open(sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}
