package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/belphemur/calsync/internal/agenda"
	"github.com/belphemur/calsync/internal/calendar"
	"github.com/belphemur/calsync/internal/config"
	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/syncer"
	"github.com/belphemur/calsync/internal/token"
	"github.com/belphemur/calsync/internal/watch"
	"github.com/belphemur/calsync/internal/workflow"
)

// application holds the wired components shared by every command
type application struct {
	cfg      *config.Config
	db       *database.DB
	tokens   *token.Manager
	provider calendar.Provider
	watches  *watch.Manager
	engine   *workflow.Engine
	syncs    *syncer.Service
	agenda   *agenda.Service
	logger   zerolog.Logger
}

// openDatabase loads the configuration and opens the migrated state database
func openDatabase(configPath string) (*config.Config, *database.DB, error) {
	logger := logging.GetLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Str("config_path", configPath).Msg("Failed to load configuration")
		return nil, nil, err
	}

	logging.SetLogLevel(cfg.Service.LogLevel)
	logger.Debug().Str("log_level", cfg.Service.LogLevel).Msg("Log level set")

	if err := os.MkdirAll(filepath.Dir(cfg.Service.StateFile), 0755); err != nil {
		logger.Error().Err(err).Str("path", filepath.Dir(cfg.Service.StateFile)).Msg("Failed to create data directory")
		return nil, nil, err
	}

	db, err := database.New(database.NewDefaultOptions(cfg.Service.StateFile))
	if err != nil {
		wrappedErr := fmt.Errorf("failed to initialize database: %w", err)
		logger.Error().Err(wrappedErr).Str("db_path", cfg.Service.StateFile).Msg("Database initialization failed")
		return nil, nil, wrappedErr
	}

	if err := db.MigrateDatabase(); err != nil {
		_ = db.Close()
		wrappedErr := fmt.Errorf("failed to initialize database schema: %w", err)
		logger.Error().Err(wrappedErr).Msg("Database schema initialization failed")
		return nil, nil, wrappedErr
	}
	return cfg, db, nil
}

// newApplication wires storage, the provider, the workflow engine and the services
func newApplication(configPath string) (*application, error) {
	cfg, db, err := openDatabase(configPath)
	if err != nil {
		return nil, err
	}

	tokenStore, err := database.NewTokenStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}
	tokens := token.NewManager(tokenStore, cfg.OAuth.OAuth2Config())
	provider := calendar.NewGoogleProvider(tokens)

	watches := watch.NewManager(db, provider, watch.Options{
		Address:     strings.TrimRight(cfg.App.PublicUrl, "/") + constants.WebhookPath,
		TTL:         cfg.Watch.TTL,
		RenewBefore: cfg.Watch.RenewBefore,
	})

	engine := workflow.NewEngine(workflow.NewSQLStore(db), workflow.Options{
		RetryPolicy: workflow.RetryPolicy{
			StartToCloseTimeout: cfg.Activity.StartToCloseTimeout,
			InitialInterval:     cfg.Activity.InitialInterval,
			BackoffCoefficient:  cfg.Activity.BackoffCoefficient,
			MaximumInterval:     cfg.Activity.MaximumInterval,
			MaximumAttempts:     cfg.Activity.MaximumAttempts,
		},
		RunTimeout: cfg.Sync.RunTimeout,
	})

	orchestrator := syncer.NewOrchestrator(db, provider, watches, cfg.Sync.LookbackMonths)

	return &application{
		cfg:      cfg,
		db:       db,
		tokens:   tokens,
		provider: provider,
		watches:  watches,
		engine:   engine,
		syncs:    syncer.NewService(engine, orchestrator),
		agenda:   agenda.NewService(db, provider),
		logger:   logging.GetLogger("main"),
	}, nil
}

// close drains the engine and releases the database
func (a *application) close(ctx context.Context) {
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Int64("in_flight", a.engine.InFlight()).Msg("Workflow runs interrupted, they resume on next start")
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close database")
	}
}
