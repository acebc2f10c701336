package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/seleznev/blast/internal/api"
	"github.com/seleznev/blast/internal/audience"
	"github.com/seleznev/blast/internal/campaign"
	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/config"
	"github.com/seleznev/blast/internal/db"
	"github.com/seleznev/blast/internal/metrics"
	"github.com/seleznev/blast/internal/models"
	"github.com/seleznev/blast/internal/repository"
	"github.com/seleznev/blast/internal/throttle"
	"github.com/seleznev/blast/internal/transport"
)

// App is the main application
type App struct {
	config     *config.Config
	logger     *slog.Logger
	database   *db.DB
	counters   *bolt.DB
	throttle   *throttle.Controller
	supervisor *campaign.Supervisor
	apiServer  *api.Server
	metrics    *metrics.Metrics
	collector  *metrics.Collector
}

// New wires the application from configuration
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	database, err := db.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.CountersPath), 0755); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create counters directory: %w", err)
	}
	counters, err := bolt.Open(cfg.Storage.CountersPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open counters store: %w", err)
	}

	campaigns := repository.NewCampaignRepository(database.DB)
	templates := repository.NewTemplateRepository(database.DB)
	recipients := repository.NewRecipientRepository(database.DB)
	sends := repository.NewSendRepository(database.DB)
	dnd := repository.NewDNDRepository(database.DB)
	settings := repository.NewSettingsRepository(database.DB)

	if err := seedThrottleSettings(settings, cfg.Throttle); err != nil {
		counters.Close()
		database.Close()
		return nil, err
	}

	throttleCtl, err := throttle.NewController(counters, settings, sends, dnd,
		throttle.Config{FlushInterval: cfg.Throttle.FlushInterval},
		logger.With("component", "throttle"))
	if err != nil {
		counters.Close()
		database.Close()
		return nil, fmt.Errorf("failed to create throttle controller: %w", err)
	}

	selector := audience.NewSelector(recipients, dnd)
	gate := compliance.NewGate(dnd, sends)

	gateway := transport.NewGatewayClient(cfg.Transport.GatewayURL, cfg.Transport.APIKey)

	supervisor := campaign.NewSupervisor(campaigns, templates, sends, recipients,
		selector, gate, throttleCtl, gateway,
		campaign.Config{
			MaxConcurrent: cfg.Supervisor.MaxConcurrent,
			PollInterval:  cfg.Supervisor.PollInterval,
		},
		logger)

	var m *metrics.Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
		collector = metrics.NewCollector(m, throttleCtl, supervisor,
			cfg.Metrics.CollectInterval, logger.With("component", "metrics"))
	}

	apiServer := api.NewServer(campaigns, templates, recipients, sends, dnd, settings,
		supervisor, throttleCtl, gate, m,
		api.Config{
			ListenAddr:   cfg.Server.ListenAddr,
			APIKey:       cfg.Server.APIKey,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		logger)

	return &App{
		config:     cfg,
		logger:     logger,
		database:   database,
		counters:   counters,
		throttle:   throttleCtl,
		supervisor: supervisor,
		apiServer:  apiServer,
		metrics:    m,
		collector:  collector,
	}, nil
}

// seedThrottleSettings writes the configured limits on first run only. Once
// adaptive rate control has persisted adjustments, those win over config.
func seedThrottleSettings(settings *repository.SettingsRepository, cfg config.ThrottleConfig) error {
	exists, err := settings.HasThrottleSettings()
	if err != nil {
		return fmt.Errorf("failed to check throttle settings: %w", err)
	}
	if exists {
		return nil
	}
	return settings.SaveThrottleSettings(models.ThrottleSettings{
		MessagesPerMinute: cfg.MessagesPerMinute,
		MessagesPerHour:   cfg.MessagesPerHour,
		MessagesPerDay:    cfg.MessagesPerDay,
		WarmupMode:        cfg.WarmupMode,
		WarmupDailyLimit:  cfg.WarmupDailyLimit,
	})
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting blast",
		"api_addr", a.config.Server.ListenAddr,
		"gateway", a.config.Transport.GatewayURL,
		"max_concurrent", a.config.Supervisor.MaxConcurrent,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// crash recovery plus the scheduled-campaign poller
	a.supervisor.Run()

	if a.collector != nil {
		a.collector.Start()
	}

	adjustStop := make(chan struct{})
	go a.adjustLoop(adjustStop)

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	close(adjustStop)
	return a.Shutdown(context.Background())
}

// adjustLoop runs adaptive rate control on the configured interval
func (a *App) adjustLoop(stop chan struct{}) {
	interval := a.config.Throttle.AdjustInterval
	if interval == 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			adj, err := a.throttle.AdjustRate()
			if err != nil {
				a.logger.Error("rate adjustment failed", "error", err)
				continue
			}
			if adj.Action != "none" {
				a.logger.Info("sending rate adjusted",
					"action", adj.Action, "health", adj.HealthScore, "new_rate", adj.NewRate)
			}
		}
	}
}

// Shutdown gracefully shuts down all components. Running campaigns are left
// marked running in the database so the next start resumes them.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.supervisor.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("supervisor shutdown error", "error", err)
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	// persists in-memory counters
	if err := a.throttle.Stop(); err != nil {
		a.logger.Error("throttle controller stop error", "error", err)
	}

	if err := a.counters.Close(); err != nil {
		a.logger.Error("counters store close error", "error", err)
	}
	if err := a.database.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
