package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/constants"
	"chatrelay/internal/database"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/models"
	"chatrelay/internal/retry"
	"chatrelay/internal/service"
	"chatrelay/internal/stream"
	"chatrelay/internal/tracing"
	"chatrelay/internal/webhook"
	"chatrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envFile    = flag.String("env-file", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

const webhookMonitorInterval = 30 * time.Second

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		logrus.Warnf("Failed to load %s: %v", *envFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatrelay")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	encryptor, err := database.NewEncryptorFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// Initialize database with exponential backoff retry
	var db database.Store
	backoff := retry.NewBackoff(startupBackoffConfig(cfg.Retry))
	err = backoff.RetryWithPredicate(ctx, func() error {
		var initErr error
		db, initErr = database.Open(ctx, cfg.Database, encryptor)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, database.IsRetryableOpenError)
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()
	logger.WithFields(logrus.Fields{
		"driver":   db.Driver(),
		"location": database.DisplayLocation(cfg.Database),
	}).Info("Database ready")

	blobs, err := attachment.NewLocalStore(cfg.Uploads.Dir,
		attachment.WithMaxBytes(int64(cfg.Uploads.MaxSizeMB)*constants.BytesPerMegabyte),
		attachment.WithDownloadTimeout(time.Duration(cfg.Uploads.DownloadTimeoutSec)*time.Second),
		attachment.WithStoreLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize upload store: %w", err)
	}

	deliveryLog, closeLog := newDeliveryLog(ctx, cfg.Redis, logger)
	defer closeLog()

	settings := config.NewSettingsStore(cfg.Webhook.SettingsFile, cfg.Webhook.URL, cfg.Webhook.TimeoutSec)
	webhookURL, source := settings.EffectiveURL()
	logger.WithField("source", source).Info("Webhook URL resolved")

	breaker := circuitbreaker.New("webhook",
		cfg.Webhook.MaxFailures,
		time.Duration(cfg.Webhook.CooldownSec)*time.Second,
		circuitbreaker.WithLogger(logger))

	engineCfg := webhook.ConfigFromModel(cfg.Webhook)
	engineCfg.URL = webhookURL
	engine := webhook.NewEngine(engineCfg,
		webhook.WithBreaker(breaker),
		webhook.WithDeliveryLog(deliveryLog),
		webhook.WithLogger(logger),
		webhook.WithVerbose(*verbose),
	)

	bus := newEventBus(cfg.AMQP, logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close event bus")
		}
	}()

	hub := stream.NewHub(logger, constants.DefaultStreamSubscriberBuffer)

	relay := service.NewRelayService(db, engine, attachment.NewResolver(blobs, logger),
		service.WithStream(hub),
		service.WithEventBus(bus),
		service.WithRelayLogger(logger),
	)

	scheduler := service.NewScheduler(blobs, cfg.Uploads.RetentionDays, cfg.Uploads.CleanupSchedule, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Warnf("Failed to start cleanup scheduler: %v", err)
	}
	defer scheduler.Stop()

	monitor := service.NewWebhookMonitor(engine, webhookMonitorInterval, logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	if _, err := os.Stat(*configPath); err == nil {
		watcher := config.NewConfigWatcher(*configPath, logger)
		watcher.OnConfigChange(func(newCfg *models.Config) {
			settings.SetEnvURL(newCfg.Webhook.URL, newCfg.Webhook.TimeoutSec)
			url, _ := settings.EffectiveURL()
			engine.SetEndpoint(url, time.Duration(newCfg.Webhook.TimeoutSec)*time.Second)
			applyLogLevel(logger, newCfg.LogLevel, *verbose)
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	server := NewServer(cfg, Dependencies{
		Relay:     relay,
		Analytics: service.NewAnalyticsService(db),
		Engine:    engine,
		Prober:    webhook.NewProber(nil, 0),
		Settings:  settings,
		Blobs:     blobs,
		Store:     db,
		Hub:       hub,
		Verbose:   *verbose,
	}, logger)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Webhook retries still running at shutdown")
	}

	logger.Info("Server shutdown completed")
	return nil
}

// applyLogLevel sets the level from configuration. Levels more verbose than
// info need -verbose.
func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// startupBackoffConfig applies the configured retry settings over the
// default startup backoff.
func startupBackoffConfig(rc models.RetryConfig) retry.BackoffConfig {
	bc := retry.DefaultBackoffConfig()
	if rc.InitialBackoffMs > 0 {
		bc.InitialDelay = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		bc.MaxDelay = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	if rc.MaxAttempts > 0 {
		bc.MaxAttempts = rc.MaxAttempts
	}
	return bc
}

// newDeliveryLog uses Redis when enabled and reachable, otherwise an
// in-process ring.
func newDeliveryLog(ctx context.Context, cfg models.RedisConfig, logger logrus.FieldLogger) (webhook.DeliveryLog, func()) {
	memory := webhook.NewMemoryLog(constants.DefaultDeliveryLogSize)
	if !cfg.Enabled {
		return memory, func() {}
	}

	rdb, err := cache.NewClient(ctx, cfg.URL)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, keeping webhook delivery log in memory")
		return memory, func() {}
	}
	logger.Info("Webhook delivery log stored in Redis")
	return cache.NewRedisDeliveryLog(rdb, cfg.Key, cfg.MaxEntries, time.Duration(cfg.TTLHours)*time.Hour), func() {
		_ = rdb.Close()
	}
}

func newEventBus(cfg models.AMQPConfig, logger logrus.FieldLogger) eventbus.Publisher {
	if !cfg.Enabled {
		return eventbus.Nop{}
	}
	pub, err := eventbus.NewAMQPPublisher(cfg.URL, cfg.Exchange, logger)
	if err != nil {
		logger.WithError(err).Warn("AMQP unavailable, events will not be mirrored")
		return eventbus.Nop{}
	}
	return pub
}
