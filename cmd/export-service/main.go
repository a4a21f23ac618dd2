// Command export-service runs the user export HTTP service: asynchronous
// CSV export jobs over the users table, with resumable downloads of the
// resulting artifacts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/user-export-service/internal/api"
	"github.com/otherjamesbrown/user-export-service/internal/config"
	"github.com/otherjamesbrown/user-export-service/internal/exports"
	"github.com/otherjamesbrown/user-export-service/internal/logging"
	"github.com/otherjamesbrown/user-export-service/internal/observability"
	"github.com/otherjamesbrown/user-export-service/internal/storage/postgres"
)

func main() {
	cfg := config.MustLoad()

	logger := logging.MustNew(logging.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	defer logger.Sync()

	logger.Info("starting user export service",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("storage_path", cfg.ExportStoragePath),
		zap.Int("batch_size", cfg.ExportBatchSize),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Init(ctx, observability.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Protocol:    cfg.TelemetryProtocol,
		Insecure:    cfg.TelemetryInsecure,
	})
	if err != nil {
		logger.Warn("telemetry initialization degraded", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	var cache *exports.StatusCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, status snapshots disabled", zap.Error(err))
		} else {
			cache = exports.NewStatusCache(exports.StatusCacheConfig{
				Client: client,
				TTL:    cfg.StatusCacheTTL,
				Logger: logger,
			})
			defer client.Close()
		}
	}

	var delivery *exports.S3Delivery
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		delivery, err = exports.NewS3Delivery(
			cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey,
			cfg.S3Bucket, cfg.S3Region, cfg.ExportSignedURLTTL, logger,
		)
		if err != nil {
			logger.Fatal("failed to configure object storage delivery", zap.Error(err))
		}
	}

	registry := exports.NewRegistry(exports.RegistryConfig{
		MaxActiveJobs: cfg.ExportMaxActive,
		Cache:         cache,
		Logger:        logger,
	})

	runner := exports.NewRunner(exports.RunnerConfig{
		Registry:     registry,
		Store:        postgres.NewUserRepository(store.Pool()),
		Delivery:     delivery,
		StorageDir:   cfg.ExportStoragePath,
		BatchSize:    cfg.ExportBatchSize,
		CleanupGrace: cfg.ExportCleanupGrace,
		Logger:       logger,
	})

	server := api.NewServer(api.Config{Logger: logger})
	server.RegisterExportRoutes(
		api.NewExportsHandler(registry, runner, logger),
		api.NewDownloadHandler(registry, logger),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
