package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/chat-resilience/internal/alerting"
	"github.com/NikhilSetiya/chat-resilience/internal/api"
	"github.com/NikhilSetiya/chat-resilience/internal/chat"
	"github.com/NikhilSetiya/chat-resilience/internal/completion"
	"github.com/NikhilSetiya/chat-resilience/internal/connectivity"
	"github.com/NikhilSetiya/chat-resilience/internal/docstore"
	"github.com/NikhilSetiya/chat-resilience/internal/errorlog"
	"github.com/NikhilSetiya/chat-resilience/internal/facade"
	"github.com/NikhilSetiya/chat-resilience/internal/middleware"
	"github.com/NikhilSetiya/chat-resilience/internal/offline"
	"github.com/NikhilSetiya/chat-resilience/internal/storage"
	"github.com/NikhilSetiya/chat-resilience/pkg/config"
	"github.com/NikhilSetiya/chat-resilience/pkg/errors"
	"github.com/NikhilSetiya/chat-resilience/pkg/health"
	"github.com/NikhilSetiya/chat-resilience/pkg/logging"
	"github.com/NikhilSetiya/chat-resilience/pkg/metrics"
	"github.com/NikhilSetiya/chat-resilience/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "chat-resilience",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	zapLogger, err := zap.NewProduction()
	if err != nil {
		logger.Fatalf("Failed to create alert logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "chat-resilience",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Error log
	handler := errorlog.NewHandler(errorlog.Config{
		MaxRecords: cfg.Errors.MaxRecords,
		Retention:  cfg.Errors.Retention,
		Locale:     cfg.Errors.Locale,
		Logger:     logger,
		Metrics:    m,
	})

	// Document store
	storeConfig := docstore.ConfigFrom(cfg)
	storeConfig.Logger = logger
	storeConfig.Tracing = tracer
	docs, err := docstore.Open(ctx, storeConfig)
	if err != nil {
		logger.Fatalf("Failed to open document store: %v", err)
	}
	defer docs.Close()

	// Offline cache and sync queue
	kv, err := storage.Open(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open offline storage: %v", err)
	}
	defer kv.Close()

	offlineStore, err := offline.Open(ctx, kv, docs, offline.Config{
		CacheTTL:      cfg.Offline.CacheTTL,
		MaxSizeBytes:  cfg.Offline.MaxSizeBytes,
		SyncInterval:  cfg.Offline.SyncInterval,
		RetryAttempts: cfg.Offline.RetryAttempts,
		OnSyncDropped: func(op offline.SyncOperation, err error) {
			handler.CreateError(err, errorlog.Context{}, errors.SeverityHigh, errors.CategorySystem, map[string]interface{}{
				"source":       "sync",
				"operation_id": op.ID,
				"collection":   op.Collection,
				"document_id":  op.DocumentID,
			})
		},
		Logger:  logger,
		Metrics: m,
		Tracing: tracer,
	})
	if err != nil {
		logger.Fatalf("Failed to open offline store: %v", err)
	}
	offlineStore.Start(ctx)
	defer offlineStore.Stop()

	// Connectivity
	monitor := connectivity.NewMonitor(connectivity.Config{
		ProbeURL:      cfg.Connectivity.ProbeURL,
		ProbeInterval: cfg.Connectivity.ProbeInterval,
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout,
		Logger:        logger,
		Metrics:       m,
	})
	monitor.Subscribe(offlineStore.SetOnline)
	monitor.Start(ctx)
	defer monitor.Stop()

	// Alerting
	channels := []alerting.Channel{alerting.NewLoggingChannel(zapLogger)}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(alerting.WebhookConfig{URL: cfg.Alerts.WebhookURL}, zapLogger))
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Alerts.SlackWebhookURL, zapLogger))
	}
	if len(cfg.Alerts.EmailRecipients) > 0 {
		channels = append(channels, alerting.NewEmailChannel(cfg.Alerts.EmailRecipients, zapLogger))
	}
	engine := alerting.NewEngine(alerting.Config{
		Window:            cfg.Alerts.Window,
		CriticalThreshold: cfg.Alerts.CriticalThreshold,
		HighThreshold:     cfg.Alerts.HighThreshold,
		CategoryThreshold: cfg.Alerts.CategoryThreshold,
		Retention:         cfg.Alerts.Retention,
		PurgeUnresolved:   cfg.Alerts.PurgeUnresolved,
		DispatchPerSecond: cfg.Alerts.DispatchPerSecond,
		Logger:            logger,
		Metrics:           m,
	}, channels...)
	alertMonitor := alerting.NewMonitor(engine, handler, alerting.MonitorConfig{
		CheckInterval:   cfg.Alerts.CheckInterval,
		CleanupInterval: cfg.Alerts.CleanupInterval,
		Logger:          logger,
	})
	alertMonitor.Start(ctx)
	defer alertMonitor.Stop()

	collector := metrics.NewMetricsCollector(m, 15*time.Second, offlineStore.CollectMetrics)
	go collector.Start(ctx)
	defer collector.Stop()

	// Facade and chat services
	f, err := facade.New(facade.Config{
		Handler: handler,
		Offline: offlineStore,
		Logger:  logger,
		Metrics: m,
		Tracing: tracer,
	})
	if err != nil {
		logger.Fatalf("Failed to create resilience facade: %v", err)
	}

	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"storage": cfg.Storage.Backend, "database": cfg.Database.Driver},
	})
	limiterConfig := middleware.RateLimitConfig{
		PerMinute: cfg.Server.RateLimitPerMinute,
		Burst:     cfg.Server.RateLimitBurst,
		Logger:    logger,
	}

	healthService.RegisterChecker("database", health.NewDocumentStoreChecker(docs, "database"))
	if redisStore, ok := kv.(*storage.RedisStore); ok {
		healthService.RegisterChecker("redis", health.NewStorageChecker(redisStore.Client(), "redis"))
		limiterConfig.RedisClient = redisStore.Client().Client()
		limiterConfig.KeyPrefix = cfg.Storage.KeyPrefix + "ratelimit:"
	}
	healthService.RegisterChecker("offline", health.NewOfflineChecker(offlineStore, "offline", health.DefaultMaxPendingSync, 3*cfg.Offline.SyncInterval))
	if cfg.Connectivity.ProbeURL != "" {
		healthService.RegisterChecker("upstream", health.NewUpstreamChecker(cfg.Connectivity.ProbeURL, "upstream", cfg.Connectivity.ProbeTimeout))
	}

	deps := api.Dependencies{
		Errors:       handler,
		Alerts:       engine,
		Checker:      alertMonitor,
		Offline:      offlineStore,
		Connectivity: monitor,
		Facade:       f,
		Documents:    chat.NewDocuments(f, docs, offlineStore),
		RateLimiter:  middleware.NewRateLimiter(limiterConfig, handler),
		Health:       healthService,
		Metrics:      m,
		Tracing:      tracer,
		Logger:       logger,
	}

	if cfg.Completion.APIKey != "" {
		completionConfig := completion.ConfigFrom(cfg)
		completionConfig.Logger = logger
		completionConfig.Tracing = tracer
		client, err := completion.NewClient(completionConfig)
		if err != nil {
			logger.Fatalf("Failed to create completion client: %v", err)
		}
		deps.Assistant = chat.NewAssistant(f, client, nil)
		healthService.RegisterChecker("completion", health.NewBreakerChecker(client, "completion"))
	} else {
		logger.Warn("Completion API key not set, assistant endpoint disabled")
	}

	router := api.NewRouter(cfg, deps)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting resilience server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", "error", err)
	}

	logger.Info("Server exited")
}
