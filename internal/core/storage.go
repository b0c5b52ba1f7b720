package core

import (
	"context"
	"fmt"
	"os"

	"empirecore/internal/infra/persistence/memory"
	"empirecore/internal/infra/persistence/postgres"
	"empirecore/internal/infra/persistence/sqlite"
	"empirecore/pkg/domain"
)

// Environment variables read by OpenStore.
const (
	EnvStorageDriver = "EMPIRECORE_STORAGE_DRIVER"
	EnvSQLitePath    = "EMPIRECORE_SQLITE_PATH"
	EnvPostgresDSN   = "EMPIRECORE_POSTGRES_DSN"
)

// Storage driver names.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenStore selects and opens a store from the environment. An unset driver
// yields the in-memory store, which keeps local development zero-config.
func OpenStore(ctx context.Context) (domain.Store, error) {
	driver := os.Getenv(EnvStorageDriver)
	switch driver {
	case "", DriverMemory:
		return memory.New(), nil
	case DriverSQLite:
		path := os.Getenv(EnvSQLitePath)
		if path == "" {
			return nil, fmt.Errorf("core: %s is required for the sqlite driver", EnvSQLitePath)
		}
		return sqlite.Open(path)
	case DriverPostgres:
		dsn := os.Getenv(EnvPostgresDSN)
		if dsn == "" {
			return nil, fmt.Errorf("core: %s is required for the postgres driver", EnvPostgresDSN)
		}
		return postgres.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("core: unknown storage driver %q", driver)
	}
}
