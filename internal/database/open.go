package database

import (
	"context"
	"fmt"

	"chatrelay/internal/constants"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
)

// Open builds the store selected by cfg. A configured URL implies postgres.
func Open(ctx context.Context, cfg models.DatabaseConfig, encryptor *Encryptor) (Store, error) {
	switch ResolveDriver(cfg) {
	case DriverPostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: database url is required for the postgres driver", ErrInvalidConfig)
		}
		return NewPostgres(ctx, cfg.URL, cfg.MaxConns, encryptor)
	default:
		path := cfg.Path
		if path == "" {
			path = constants.DefaultSQLitePath
		}
		return NewSQLite(ctx, path, encryptor)
	}
}

// ResolveDriver returns the effective driver name for cfg.
func ResolveDriver(cfg models.DatabaseConfig) string {
	if cfg.Driver == DriverPostgres || (cfg.Driver == "" && cfg.URL != "") {
		return DriverPostgres
	}
	return DriverSQLite
}

// DisplayLocation describes where cfg points without credentials.
func DisplayLocation(cfg models.DatabaseConfig) string {
	if ResolveDriver(cfg) == DriverPostgres {
		return privacy.RedactURL(cfg.URL)
	}
	if cfg.Path == "" {
		return "sqlite://" + constants.DefaultSQLitePath
	}
	return "sqlite://" + cfg.Path
}
