// internal/kvstore/open.go
package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// OpenOptions selects and locates a store backend.
type OpenOptions struct {
	Backend     string
	PebbleDir   string
	DatabaseURL string
}

// Open returns the configured store. Postgres stores are migrated before
// they are returned.
func Open(ctx context.Context, opts OpenOptions) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendPebble:
		return NewPebbleStore(opts.PebbleDir)
	case BackendPostgres:
		db, err := sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store := NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
