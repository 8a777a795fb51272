package store

import (
	"fmt"

	"go.uber.org/zap"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and addresses the backing database.
type Config struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `koanf:"driver"`

	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `koanf:"dsn"`
}

// Open returns the Store described by cfg.
func Open(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		path := cfg.DSN
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLite(path, logger)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
