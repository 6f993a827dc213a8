package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flowforge/flowforge/internal/common/config"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/db"
	"github.com/flowforge/flowforge/internal/workflow/repository"
)

// Storage bundles the relational side of the process.
type Storage struct {
	Pool *db.Pool
	Repo repository.Repository
}

// openStorage connects the configured database driver and initializes the
// workflow schema.
func openStorage(cfg *config.Config, log *logger.Logger) (*Storage, error) {
	var pool *db.Pool
	var err error

	switch cfg.Database.Driver {
	case "sqlite", "":
		pool, err = db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.Database.Path, err)
		}
		log.Info("Connected to SQLite", zap.String("path", cfg.Database.Path))
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	repo, err := repository.NewSQLRepository(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Storage{Pool: pool, Repo: repo}, nil
}

// Close releases the database connections.
func (s *Storage) Close(log *logger.Logger) {
	if err := s.Pool.Close(); err != nil {
		log.Error("Database close error", zap.Error(err))
	}
}
