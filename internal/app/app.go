// Package app wires the database, configuration and engine for a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/logger"
	"escrowline/internal/metrics"
	"escrowline/internal/migrate"
	"escrowline/internal/stats"
)

type Options struct {
	Workspace string
	// Config overrides the workspace escrowline.yml when set.
	Config *config.Config
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// App is an opened workspace.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger

	stats *stats.Tracker
}

// Open migrates the workspace database, loads the config, seeds the
// configured arbiters and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	tracker, err := stats.New(cfg.Cache.StatsEntries)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m, err := metrics.New(opts.MeterProvider)
	if err != nil {
		tracker.Close()
		conn.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	eng := engine.New(conn, cfg, tracker)
	eng.Metrics = m
	if err := eng.Auth.Seed(ctx, conn, cfg.Arbiters); err != nil {
		tracker.Close()
		conn.Close()
		return nil, fmt.Errorf("seed arbiters: %w", err)
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: eng,
		Logger: logger.New(logger.Options{Level: cfg.Log.Level, Service: cfg.Log.Service}),
		stats:  tracker,
	}, nil
}

func (a *App) Close() error {
	a.stats.Close()
	return a.DB.Close()
}
