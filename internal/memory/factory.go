package memory

import (
	"context"
	"fmt"
	"strings"
)

// StoreConfig selects and configures a persistence backend.
type StoreConfig struct {
	Backend     string // auto|file|sqlite|postgres|memory
	Dir         string
	SQLitePath  string
	DatabaseURL string
}

// NewStore creates a postgres-backed store when a database URL is configured,
// a SQLite store when a database file is configured, and otherwise one JSON
// file per user under Dir.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, string, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "auto"
	}
	if backend == "auto" {
		switch {
		case strings.TrimSpace(cfg.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(cfg.SQLitePath) != "":
			backend = "sqlite"
		default:
			backend = "file"
		}
	}

	switch backend {
	case "memory":
		return NewInMemoryStore(), backend, nil
	case "file":
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, backend, err
		}
		return s, backend, nil
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, backend, fmt.Errorf("sqlite memory backend requires a database path")
		}
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, backend, err
		}
		return s, backend, nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, backend, fmt.Errorf("postgres memory backend requires DATABASE_URL")
		}
		s, err := NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, backend, err
		}
		return s, backend, nil
	default:
		return nil, backend, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}
