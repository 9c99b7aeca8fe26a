package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hookAuction/internal/indexer"
	"hookAuction/internal/storage"
	"hookAuction/internal/storage/memory"
	"hookAuction/internal/storage/postgres"
)

const syncCursor = "ledger_sync"

// openStore connects to Postgres when a DSN is set and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, dsn string, logger *zap.Logger) (storage.Store, error) {
	if dsn == "" {
		logger.Warn("pg-dsn not set, using in-memory store")
		return memory.New(), nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// checkpointFor keeps the sync cursor next to the data when it lives in
// Postgres and in a file otherwise.
func checkpointFor(store storage.Store, dsn, path string, enabled bool) indexer.Checkpointer {
	if !enabled {
		return nil
	}
	if dsn != "" {
		return &indexer.StoreCheckpoint{Store: store, Name: syncCursor}
	}
	return &indexer.FileCheckpoint{Path: path}
}
