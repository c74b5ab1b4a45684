package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/handlers"
	"github.com/belphemur/calsync/internal/logging"
	"github.com/belphemur/calsync/internal/scheduler"
	appSignals "github.com/belphemur/calsync/internal/signals"
	"github.com/belphemur/calsync/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	isDev := os.Getenv("ENV") != "production"
	logging.Initialize(isDev)
	logger := logging.GetLogger("main")

	// Create context that's canceled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating shutdown")
		cancel()
	}()

	app := &cli.App{
		Name:    "calsync",
		Usage:   "Mirror provider calendars into a local store and keep them in sync",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/calsync.toml",
				Usage:   "path to the TOML configuration file",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the webhook receiver and the schedulers",
				Action: serveCommand,
			},
			{
				Name:  "sync",
				Usage: "Run a full sync for one account and wait for it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
					&cli.StringFlag{Name: "provider", Value: constants.ProviderGoogle.String(), Usage: "provider type"},
					&cli.BoolFlag{Name: "force", Usage: "ignore the stored sync cursor"},
				},
				Action: syncCommand,
			},
			{
				Name:  "status",
				Usage: "Print the status of a sync run",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run-id", Required: true, Usage: "run id returned when the sync started"},
				},
				Action: statusCommand,
			},
			{
				Name:  "auth",
				Usage: "Authorize an account from the terminal",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
				},
				Action: authCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateCommand,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Fatal().Err(err).Msg("Application run failed")
	}
}

func serveCommand(c *cli.Context) error {
	ctx := c.Context
	logger := logging.GetLogger("main")
	logger.Info().Str("version", version).Str("commit", commit).Str("build_date", date).Msg("Starting calendar sync service")

	app, err := newApplication(c.String("config"))
	if err != nil {
		return err
	}

	resumed, err := app.engine.Resume(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resume interrupted runs")
	} else if resumed > 0 {
		logger.Info().Int("resumed", resumed).Msg("Interrupted runs resumed")
	}

	// A freshly authorized account gets its first sync right away
	appSignals.OnTokenSetup(func(ctx context.Context, data appSignals.TokenSetupData) {
		if !data.Success {
			return
		}
		runID, err := app.syncs.StartSync(ctx, data.AccountID, constants.ProviderGoogle, false)
		if err != nil {
			logger.Error().Err(err).Str("account_id", data.AccountID).Msg("Failed to start sync after token setup")
			return
		}
		logger.Info().Str("account_id", data.AccountID).Str("run_id", runID).Msg("Sync started after token setup")
	}, "main-token-setup-handler")

	appSignals.OnSyncFinished(func(ctx context.Context, data appSignals.SyncFinishedData) {
		event := logger.Info()
		if data.Status != string(workflow.StatusCompleted) {
			event = logger.Warn().Str("error", data.Error)
		}
		event.Str("account_id", data.AccountID).
			Str("run_id", data.RunID).
			Bool("incremental", data.Incremental).
			Str("status", data.Status).
			Msg("Sync run finished")
	}, "main-sync-finished-handler")

	sched := scheduler.New(database.NewProviderStore(app.db), app.syncs, app.watches, scheduler.Options{
		SyncSchedule:  app.cfg.Sync.Schedule,
		RenewSchedule: app.cfg.Watch.RenewSchedule,
	})
	if err := sched.Start(); err != nil {
		app.close(context.Background())
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if app.cfg.Sync.SyncOnStartup {
		started, err := sched.SyncAll(ctx)
		if err != nil {
			logger.Error().Err(err).Int("started", started).Msg("Startup sync had failures")
		} else {
			logger.Info().Int("started", started).Msg("Startup sync triggered")
		}
	}

	baseHandler := handlers.NewBaseHandler()
	webhookHandler := handlers.NewWebhookHandler(baseHandler, app.syncs, app.db)

	mux := http.NewServeMux()
	handlers.NewOAuthHandler(baseHandler, app.tokens).RegisterRoutes(mux)
	handlers.NewSyncHandler(baseHandler, app.syncs).RegisterRoutes(mux)
	handlers.NewCalendarHandler(baseHandler, app.agenda).RegisterRoutes(mux)
	webhookHandler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.App.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", app.cfg.App.Port).Str("public_url", app.cfg.App.PublicUrl).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()
	webhookHandler.Wait()
	appSignals.RemoveTokenSetup("main-token-setup-handler")
	appSignals.RemoveSyncFinished("main-sync-finished-handler")

	if app.cfg.Watch.StopOnShutdown {
		if err := app.watches.StopAll(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Some watches could not be stopped")
		}
	}
	app.close(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func syncCommand(c *cli.Context) error {
	providerType, err := constants.ParseProviderType(c.String("provider"))
	if err != nil {
		return err
	}

	app, err := newApplication(c.String("config"))
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	if _, err := app.engine.Resume(c.Context); err != nil {
		app.logger.Warn().Err(err).Msg("Failed to resume interrupted runs")
	}

	finished := make(chan appSignals.SyncFinishedData, 16)
	key := "cli-sync-" + uuid.NewString()
	appSignals.OnSyncFinished(func(_ context.Context, data appSignals.SyncFinishedData) {
		select {
		case finished <- data:
		default:
		}
	}, key)
	defer appSignals.RemoveSyncFinished(key)

	runID, err := app.syncs.StartSync(c.Context, c.String("account"), providerType, c.Bool("force"))
	if err != nil {
		return err
	}
	app.logger.Info().Str("run_id", runID).Msg("Sync started, waiting for it to finish")

	for {
		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case data := <-finished:
			if data.RunID != runID {
				continue
			}
			return printStatus(c, app, runID)
		}
	}
}

func statusCommand(c *cli.Context) error {
	app, err := newApplication(c.String("config"))
	if err != nil {
		return err
	}
	defer app.close(context.Background())
	return printStatus(c, app, c.String("run-id"))
}

func printStatus(c *cli.Context, app *application, runID string) error {
	status, err := app.syncs.GetSyncStatus(c.Context, runID)
	if err != nil {
		return fmt.Errorf("failed to get status of run %s: %w", runID, err)
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func authCommand(c *cli.Context) error {
	app, err := newApplication(c.String("config"))
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	accountID := c.String("account")
	fmt.Fprintf(c.App.Writer, "Open this URL and authorize access:\n\n%s\n\nPaste the authorization code: ", app.tokens.AuthCodeURL(uuid.NewString()))

	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("authorization code is empty")
	}

	if err := app.tokens.Exchange(c.Context, accountID, code); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Account %s authorized\n", accountID)
	return nil
}

func migrateCommand(c *cli.Context) error {
	_, db, err := openDatabase(c.String("config"))
	if err != nil {
		return err
	}
	logger := logging.GetLogger("main")
	logger.Info().Msg("Database migrated")
	return db.Close()
}
