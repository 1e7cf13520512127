package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/config"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/database"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/logger"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/messagebroker"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/adapters/cache"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/adapters/messaging"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/adapters/smsprovider"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/app"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/classifier"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/repository/memory"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/repository/postgres"
	transporthttp "github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/transport/http"
)

const serviceName = "sms_retry_service"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("SMS Retry Service starting...", "log_level", cfg.LogLevel, "store_backend", cfg.StoreBackend, "provider", cfg.Provider.Name)

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("SMS Retry Service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("SMS Retry Service shut down successfully.")
}

func run(cfg *config.Config, appLogger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, logs, closeStore, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeStore()

	cls, err := classifier.NewFromConfig(cfg.Retry.Policies)
	if err != nil {
		return fmt.Errorf("building error classifier: %w", err)
	}

	var transport domain.Transport
	switch cfg.Provider.Name {
	case "twilio":
		transport = smsprovider.NewTwilioProvider(appLogger, cfg.Provider.BaseURL, cfg.Provider.AccountSID,
			cfg.Provider.AuthToken, cfg.Provider.FromNumber, &http.Client{Timeout: cfg.Provider.Timeout})
	default:
		transport = smsprovider.NewMockProvider(appLogger, "", 0)
	}

	var dedup app.CallbackDeduplicator
	if cfg.Redis.URL != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dedup = cache.NewRedisDeduplicator(rdb, cfg.Redis.DedupTTL, appLogger)
		appLogger.Info("Delivery report de-duplication enabled", "ttl", cfg.Redis.DedupTTL)
	}

	var natsClient *messagebroker.NatsClient
	if cfg.NATSUrl != "" {
		natsClient, err = messagebroker.NewNatsClient(cfg.NATSUrl, "sms-retry-service", appLogger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		appLogger.Info("Successfully connected to NATS")
	}

	var serviceOpts []app.ServiceOption
	if natsClient != nil {
		serviceOpts = append(serviceOpts, app.WithOutcomePublisher(messaging.NewNatsOutcomePublisher(natsClient)))
	}
	retryService := app.NewRetryService(repo, logs, cls, transport, app.ServiceConfig{
		MaxBatchSize:      cfg.Retry.MaxBatchSize,
		StuckTimeout:      cfg.Retry.StuckTimeout,
		AttemptTimeout:    cfg.Retry.AttemptTimeout,
		WorkerConcurrency: cfg.Retry.WorkerConcurrency,
	}, appLogger, serviceOpts...)
	confirmations := app.NewDeliveryConfirmationHandler(repo, logs, dedup, appLogger)

	scheduler, err := app.NewRetryScheduler(retryService, app.SchedulerConfig{
		Interval:         cfg.Retry.SchedulerInterval,
		BatchSize:        cfg.Retry.MaxBatchSize,
		CleanupSchedule:  cfg.Retry.CleanupSchedule,
		CleanupRetention: cfg.Retry.CleanupRetention,
	}, appLogger)
	if err != nil {
		return err
	}

	if natsClient != nil {
		if err := messaging.NewSendFailedConsumer(natsClient, retryService, appLogger).Start(ctx); err != nil {
			return err
		}
		if err := messaging.NewDLRConsumer(natsClient, confirmations, appLogger).Start(ctx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: transporthttp.NewRouter(transporthttp.RouterConfig{
			Callbacks:      confirmations,
			Entries:        repo,
			SigningSecret:  cfg.Webhook.SigningSecret,
			AdminJWTSecret: cfg.Admin.JWTSecret,
			Logger:         appLogger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		appLogger.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		appLogger.Info("gRPC health server listening", "port", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Attempting graceful shutdown of SMS Retry Service...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server shutdown failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore returns the retry queue and message log repositories for the configured backend.
func openStore(ctx context.Context, cfg *config.Config, appLogger *slog.Logger) (domain.RetryQueueRepository, domain.MessageLogRepository, func(), error) {
	if cfg.StoreBackend == "memory" {
		appLogger.Warn("Using in-memory store; retry state is lost on restart")
		return memory.NewRetryQueueStore(), memory.NewMessageLogStore(), func() {}, nil
	}

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN, appLogger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Migrate(ctx, dbPool, appLogger); err != nil {
		dbPool.Close()
		return nil, nil, nil, err
	}
	appLogger.Info("Successfully connected to PostgreSQL database")
	return postgres.NewPgRetryQueueRepository(dbPool, appLogger),
		postgres.NewPgMessageLogRepository(dbPool, appLogger),
		dbPool.Close,
		nil
}
