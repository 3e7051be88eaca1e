package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/eventcast/internal/api"
	"github.com/foxzi/eventcast/internal/campaign"
	"github.com/foxzi/eventcast/internal/config"
	"github.com/foxzi/eventcast/internal/db"
	"github.com/foxzi/eventcast/internal/dkim"
	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/models"
	"github.com/foxzi/eventcast/internal/ratelimit"
	"github.com/foxzi/eventcast/internal/repository"
	"github.com/foxzi/eventcast/internal/sandbox"
	"github.com/foxzi/eventcast/internal/segment"
	"github.com/foxzi/eventcast/internal/sender"
	"github.com/foxzi/eventcast/internal/worker"
)

// sandboxCleanupSpec is how often expired sandbox captures are removed
const sandboxCleanupSpec = "@every 1h"

// App is the main application
type App struct {
	config         *config.Config
	db             *db.DB
	state          *bolt.DB
	repos          campaign.Repositories
	campaigns      *campaign.Service
	apiServer      *api.Server
	metrics        *metrics.Metrics
	metricsServer  *metrics.Server
	collector      *metrics.Collector
	scheduler      *cron.Cron
	rateLimiter    *ratelimit.Limiter
	sandboxStorage *sandbox.Storage
	logger         *slog.Logger
}

// New creates a new application. The campaign store is migrated on open.
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Logging)
	a := &App{config: cfg, logger: logger}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.db = database
	if err := database.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := a.openState(); err != nil {
		a.Close()
		return nil, err
	}

	out, err := a.buildSender()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.repos = campaign.Repositories{
		Events:      repository.NewEventRepository(database.DB),
		Templates:   repository.NewTemplateRepository(database.DB),
		Jobs:        repository.NewJobRepository(database.DB),
		ABTests:     repository.NewABTestRepository(database.DB),
		Automations: repository.NewAutomationRepository(database.DB),
		FollowUps:   repository.NewFollowUpRepository(database.DB),
	}
	resolver := segment.NewResolver(repository.NewParticipantRepository(database.DB))

	wcfg := worker.Config{
		BatchSize:    cfg.Worker.BatchSize,
		BatchPause:   cfg.Worker.BatchPause,
		StaleAfter:   max(cfg.Worker.StaleAfter, 0),
		StoreRetries: cfg.Worker.StoreRetries,
		RetryBase:    cfg.Worker.RetryBase,
	}
	w := worker.New(wcfg, worker.Stores{
		Jobs:      a.repos.Jobs,
		Events:    a.repos.Events,
		Templates: a.repos.Templates,
		Variables: repository.NewVariableRepository(database.DB),
		ABTests:   a.repos.ABTests,
	}, resolver, out, logger)

	a.campaigns = campaign.New(campaign.Config{MissedPolicy: cfg.Scheduler.MissedPolicy}, a.repos, resolver, w, logger)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger)
		a.collector = metrics.NewCollector(a.metrics, a.repos.Jobs, cfg.Metrics.CollectInterval, logger)
	}

	if cfg.API.Enabled {
		var opts []api.Option
		if a.sandboxStorage != nil {
			opts = append(opts, api.WithSandbox(a.sandboxStorage))
		}
		if a.rateLimiter != nil {
			opts = append(opts, api.WithLimiter(a.rateLimiter))
		}
		a.apiServer = api.NewServer(a.campaigns, &cfg.API, logger, opts...)
	}

	return a, nil
}

// openState opens the bbolt file when rate limiting or the sandbox needs it
func (a *App) openState() error {
	cfg := a.config
	if !cfg.RateLimit.Enabled && !cfg.SandboxEnabled() {
		return nil
	}

	state, err := bolt.Open(cfg.State.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	a.state = state

	if cfg.RateLimit.Enabled {
		rlConfig := cfg.RateLimit.Config
		a.rateLimiter, err = ratelimit.NewLimiter(state, &rlConfig)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.logger.Info("rate limiting enabled")
	}

	if cfg.SandboxEnabled() {
		a.sandboxStorage, err = sandbox.NewStorage(state)
		if err != nil {
			return fmt.Errorf("failed to create sandbox storage: %w", err)
		}
	}
	return nil
}

// buildSender assembles the delivery chain: channel router, provider caps,
// then the sandbox when it is enabled.
func (a *App) buildSender() (sender.Sender, error) {
	cfg := a.config
	router := sender.NewRouter()

	if cfg.EmailEnabled() {
		var signer *dkim.Signer
		if d := cfg.Sender.Email.DKIM; d != nil && d.Enabled {
			var err error
			signer, err = dkim.NewSignerFromFile(d.KeyFile, d.Domain, d.Selector)
			if err != nil {
				return nil, err
			}
			a.logger.Info("DKIM signing enabled", "domain", d.Domain, "selector", d.Selector)
		}
		router.Handle(models.ChannelEmail, sender.NewEmailSender(cfg.Sender.Email.EmailConfig, signer, a.logger))
	}
	if cfg.SMSEnabled() {
		router.Handle(models.ChannelSMS, sender.NewSMSSender(cfg.Sender.SMS.SMSConfig, a.logger))
	}

	var out sender.Sender = router
	if a.rateLimiter != nil {
		out = sender.NewLimited(out, a.rateLimiter)
	}
	if a.sandboxStorage != nil {
		out = sandbox.NewSender(cfg.Sender.Sandbox.Config, out, a.sandboxStorage, a.logger)
		a.logger.Warn("sandbox enabled, messages are captured", "mode", cfg.Sender.Sandbox.Mode)
	}
	return out, nil
}

// Campaigns returns the campaign service for one-shot commands
func (a *App) Campaigns() *campaign.Service {
	return a.campaigns
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting eventcast",
		"database", a.config.Database.Path,
		"api_enabled", a.config.API.Enabled,
		"scheduler_enabled", a.config.Scheduler.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.config.Scheduler.Enabled {
		if err := a.startScheduler(ctx); err != nil {
			cancel()
			a.Shutdown(context.Background())
			return err
		}
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// startScheduler registers the periodic worker and trigger runs. Overlapping
// ticks are skipped rather than queued.
func (a *App) startScheduler(ctx context.Context) error {
	a.scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	log := a.logger.With("component", "scheduler")

	// shutdown cancels ctx: the running job stops before its next recipient,
	// stays processing and is resumed through its stale lease
	if _, err := a.scheduler.AddFunc(a.config.Scheduler.WorkerSpec, func() {
		res := a.campaigns.RunNextPendingJob(ctx)
		switch {
		case res.Err == nil:
		case ctx.Err() != nil:
			log.Info("job interrupted by shutdown", "job_id", res.JobID)
		default:
			log.Error("worker run failed", "job_id", res.JobID, "error", res.Err)
		}
	}); err != nil {
		return fmt.Errorf("invalid worker spec: %w", err)
	}

	if _, err := a.scheduler.AddFunc(a.config.Scheduler.TriggerSpec, func() {
		report, err := a.campaigns.RunDueTriggers(ctx, time.Now())
		if err != nil {
			log.Error("trigger run failed", "error", err)
			return
		}
		if len(report.JobIDs) > 0 || len(report.Errors) > 0 {
			log.Info("triggers fired", "jobs", len(report.JobIDs), "skipped", report.Skipped, "errors", len(report.Errors))
		}
	}); err != nil {
		return fmt.Errorf("invalid trigger spec: %w", err)
	}

	if a.sandboxStorage != nil && a.config.Sender.Sandbox.Retention > 0 {
		retention := a.config.Sender.Sandbox.Retention
		a.scheduler.AddFunc(sandboxCleanupSpec, func() {
			n, err := a.sandboxStorage.Clear(ctx, retention)
			if err != nil {
				log.Error("sandbox cleanup failed", "error", err)
				return
			}
			if n > 0 {
				log.Info("sandbox cleanup", "removed", n)
			}
		})
	}

	a.scheduler.Start()
	log.Info("scheduler started",
		"worker_spec", a.config.Scheduler.WorkerSpec,
		"trigger_spec", a.config.Scheduler.TriggerSpec,
	)
	return nil
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop scheduling first and wait for a running job to reach a checkpoint
	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			a.logger.Warn("scheduler did not stop in time")
		}
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases the stores. It is safe on a partially built App.
func (a *App) Close() {
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
		a.rateLimiter = nil
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Error("state close error", "error", err)
		}
		a.state = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("database close error", "error", err)
		}
		a.db = nil
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
