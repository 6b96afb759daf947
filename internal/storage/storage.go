// Package storage selects the record store configured for the service
package storage

import (
	"context"
	"fmt"

	"github.com/yegors/co-traffic/internal/config"
	"github.com/yegors/co-traffic/internal/storage/postgres"
	"github.com/yegors/co-traffic/internal/storage/sqlite"
	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

// Backend is implemented by every record store
type Backend interface {
	traffic.Store
	traffic.Reader
	ListAllIncidents(ctx context.Context) ([]traffic.IncidentRecord, error)
	UpdateIncidentRoadName(ctx context.Context, id int64, roadName string) error
	Close() error
}

var (
	_ Backend = (*sqlite.TrafficStorage)(nil)
	_ Backend = (*postgres.TrafficRepository)(nil)
)

// Open connects to the configured driver and prepares its schema
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.NewTrafficStorage(db, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		log.Info("Using sqlite storage", logger.String("path", cfg.SQLitePath))
		return store, nil

	case "postgres":
		repo, err := postgres.Connect(ctx, cfg.PostgresURL, log)
		if err != nil {
			return nil, err
		}
		log.Info("Using postgres storage")
		return repo, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
