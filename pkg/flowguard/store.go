package flowguard

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/flowguard/pkg/flowguard/config"
	"github.com/randalmurphal/flowguard/pkg/flowguard/state"
)

// openStore opens the state backend named in s.
func openStore(ctx context.Context, s config.StateSettings) (state.Store, error) {
	switch s.Backend {
	case config.BackendMemory, "":
		return state.NewMemoryStore(), nil

	case config.BackendSQLite:
		return state.NewSQLiteStore(s.Path)

	case config.BackendPostgres:
		if s.Migrate {
			return state.NewPostgresStore(ctx, s.DSN)
		}
		pool, err := pgxpool.New(ctx, s.DSN)
		if err != nil {
			return nil, fmt.Errorf("open pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return state.NewPostgresStoreFromPool(pool), nil
	}
	return nil, fmt.Errorf("unknown state backend %q", s.Backend)
}
