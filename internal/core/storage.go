package core

import (
	"fmt"

	"diagcore/internal/infra/persistence/memory"
	"diagcore/internal/infra/persistence/postgres"
	"diagcore/internal/infra/persistence/sqlite"
	"diagcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// PersistentStore aliases the combined storage surface for callers wiring the
// engines at startup.
type PersistentStore = domain.PersistentStore

// StorageConfig selects the storage backend. Callers resolve configuration
// sources (file, environment) before opening; the values here are final.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the backend named by the config. An empty driver
// defaults to sqlite.
func OpenPersistentStore(cfg StorageConfig) (PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
