package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/focusd/internal/anticheat"
	"github.com/goodtune/focusd/internal/api"
	"github.com/goodtune/focusd/internal/clock"
	"github.com/goodtune/focusd/internal/config"
	"github.com/goodtune/focusd/internal/keylock"
	"github.com/goodtune/focusd/internal/metrics"
	"github.com/goodtune/focusd/internal/session"
	"github.com/goodtune/focusd/internal/storage"
	"github.com/goodtune/focusd/internal/storage/bolt"
	"github.com/goodtune/focusd/internal/storage/redis"
	"github.com/goodtune/focusd/internal/streak"
	"github.com/goodtune/focusd/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start focusd server",
	Long:  `Start the focusd heartbeat API, streak retry worker and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting focusd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	authority := clock.NewAuthority(nil)

	calendar, err := streak.NewCalendar(cfg.Streak.TimezoneCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize calendar: %w", err)
	}

	engine, err := anticheat.NewEngine(cfg.Anomaly.PolicyDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize anomaly policy: %w", err)
	}

	logger.Info().
		Str("policy_dir", cfg.Anomaly.PolicyDir).
		Msg("Anomaly policy engine initialized")

	deps := session.Deps{
		Sessions:   store.Sessions(),
		Reconciler: streak.NewReconciler(store.Streaks(), authority, cfg.Streak.ConflictRetries, logger),
		Policy:     engine,
		Calendar:   calendar,
		Clock:      authority,
		Locks:      keylock.New(),
		Logger:     logger,
	}

	validator := session.NewValidator(deps, session.ValidatorConfig{
		DriftThreshold:     config.ParseDuration(cfg.Heartbeat.DriftThreshold, session.DefaultDriftThreshold),
		RecoveryHeartbeats: cfg.Heartbeat.RecoveryHeartbeats,
		ConflictRetries:    cfg.Heartbeat.ConflictRetries,
	})

	service := session.NewService(deps, session.ServiceConfig{
		MaxSessionDuration: config.ParseDuration(cfg.Heartbeat.MaxSessionDuration, session.DefaultMaxSessionDuration),
		ConflictRetries:    cfg.Heartbeat.ConflictRetries,
	})

	retrier := session.NewStreakRetrier(deps,
		config.ParseDuration(cfg.Streak.RetryInterval, session.DefaultRetryInterval),
		authority.Base())
	retrier.Start()

	apiConfig := api.Config{
		ListenAddr:   fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		ReadTimeout:  config.ParseDuration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout: config.ParseDuration(cfg.Server.WriteTimeout, 10*time.Second),
	}
	apiServer := api.NewServer(apiConfig, validator, service, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Msg("focusd startup complete")
	logger.Info().Msgf("API: http://%s", apiConfig.ListenAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go systemd.RunWatchdog(watchdogCtx, logger)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading anomaly policy...")
		_ = systemd.NotifyReloading()
		if err := engine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload anomaly policy, keeping previous policy")
		} else {
			logger.Info().Msg("Anomaly policy reloaded")
		}
		_ = systemd.NotifyReady()
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	retrier.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("focusd stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis", "":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
