// Package scheduler runs the periodic account syncs and the watch renewal sweep
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/belphemur/calsync/internal/constants"
	"github.com/belphemur/calsync/internal/database"
	"github.com/belphemur/calsync/internal/logging"
)

// ProviderLister returns every registered account
type ProviderLister interface {
	List(ctx context.Context) ([]database.Provider, error)
}

// SyncStarter starts account syncs
type SyncStarter interface {
	StartSync(ctx context.Context, accountID string, providerType constants.ProviderType, forceFullSync bool) (string, error)
	IsSyncRunning(accountID string, providerType constants.ProviderType) bool
}

// WatchRenewer replaces push channels close to expiry
type WatchRenewer interface {
	RenewExpiring(ctx context.Context) (int, error)
}

// Options configures the cron jobs. An empty schedule disables its job.
type Options struct {
	SyncSchedule  string
	RenewSchedule string
	Location      *time.Location
}

// Scheduler triggers syncs and watch renewal on cron schedules
type Scheduler struct {
	cron      *cron.Cron
	providers ProviderLister
	syncs     SyncStarter
	watches   WatchRenewer
	opts      Options

	syncBusy  atomic.Bool
	renewBusy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates a new Scheduler instance
func New(providers ProviderLister, syncs SyncStarter, watches WatchRenewer, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(opts.Location)),
		providers: providers,
		syncs:     syncs,
		watches:   watches,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.GetLogger("scheduler"),
	}
}

// Start registers the jobs and starts the cron loop without blocking
func (s *Scheduler) Start() error {
	if s.opts.SyncSchedule != "" {
		if _, err := s.cron.AddFunc(s.opts.SyncSchedule, s.syncTick); err != nil {
			return fmt.Errorf("add sync job: %w", err)
		}
	}
	if s.opts.RenewSchedule != "" && s.watches != nil {
		if _, err := s.cron.AddFunc(s.opts.RenewSchedule, s.renewTick); err != nil {
			return fmt.Errorf("add watch renewal job: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info().
		Str("sync_schedule", s.opts.SyncSchedule).
		Str("renew_schedule", s.opts.RenewSchedule).
		Str("location", s.opts.Location.String()).
		Msg("Scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// SyncAll starts a sync for every account that has none in flight and
// returns how many were started.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	providers, err := s.providers.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	var result *multierror.Error
	started := 0
	for _, p := range providers {
		logger := s.logger.With().Str("account_id", p.AccountID).Str("provider_type", p.Type.String()).Logger()
		if s.syncs.IsSyncRunning(p.AccountID, p.Type) {
			logger.Debug().Msg("Sync already running, skipping")
			continue
		}
		runID, err := s.syncs.StartSync(ctx, p.AccountID, p.Type, false)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to start sync for %s: %w", p.AccountID, err))
			continue
		}
		started++
		logger.Debug().Str("run_id", runID).Msg("Scheduled sync started")
	}
	return started, result.ErrorOrNil()
}

func (s *Scheduler) syncTick() {
	if !s.syncBusy.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Previous sync tick still running, skipping")
		return
	}
	defer s.syncBusy.Store(false)

	started, err := s.SyncAll(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("started", started).Msg("Scheduled sync tick had failures")
		return
	}
	s.logger.Info().Int("started", started).Msg("Scheduled sync tick done")
}

func (s *Scheduler) renewTick() {
	if !s.renewBusy.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Previous watch renewal still running, skipping")
		return
	}
	defer s.renewBusy.Store(false)

	renewed, err := s.watches.RenewExpiring(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("renewed", renewed).Msg("Watch renewal had failures")
		return
	}
	if renewed > 0 {
		s.logger.Info().Int("renewed", renewed).Msg("Watches renewed")
	}
}
