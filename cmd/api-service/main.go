package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/handler"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/middleware"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/router"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/api/service"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/auth"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/config"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/dispatcher"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/executor"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/notify"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/tracing"
	"github.com/k-yamada-dev/codecheck-202507-sub000/migrations"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/logger"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/postgresql"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/rabbitmq"
)

const serviceName = "job-api-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(context.Background()); err != nil {
		return err
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Driver),
	)

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(serviceName)
	}

	healthChecks := map[string]handler.HealthCheck{}

	var (
		store    storage.Store
		dbClient *postgresql.Client
	)
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		appLogger.Warn("Using in-memory job store, jobs are lost on restart")
		store = storage.NewMemoryStore()
	default:
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		if cfg.Database.AutoMigrate {
			if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
				return err
			}
		}
		store = storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
		healthChecks["database"] = dbClient.HealthCheck
	}

	// A nil publisher sends every job down the local fallback path. Workers
	// cannot see an in-memory store, so memory mode never publishes.
	var publisher dispatcher.Publisher
	if cfg.RabbitMQ.Enabled && cfg.Storage.Driver != config.StorageDriverMemory {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			appLogger.Warn("RabbitMQ unavailable, jobs will run in-process",
				slog.Any("error", err),
			)
		} else {
			defer rabbitClient.Close()
			publisher = rabbitClient
			healthChecks["rabbitmq"] = func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return rabbitmq.ErrNotConnected
				}
				return nil
			}
		}
	}

	notifier, subscriber := initNotifier(ctx, &cfg.Redis, appLogger.Logger, healthChecks)
	if closer, ok := notifier.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	exec := executor.New(executor.Config{
		Store: store,
		Runner: &executor.CommandRunner{
			Binary: cfg.Executor.Binary,
			Args:   cfg.Executor.Args,
		},
		Notifier: notifier,
		Metrics:  m,
		Tracer:   tp.Tracer(),
		Logger:   appLogger.Logger,
		Timeout:  cfg.Executor.Timeout,
	})

	disp := dispatcher.New(dispatcher.Config{
		Publisher:      publisher,
		Executor:       exec,
		Store:          store,
		Metrics:        m,
		Tracer:         tp.Tracer(),
		Logger:         appLogger.Logger,
		PublishTimeout: cfg.RabbitMQ.Publish.Timeout,
	})

	var limiter *middleware.TenantLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewTenantLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.SetupRouter(&router.Dependencies{
		Logger:         appLogger.Logger,
		ServiceName:    serviceName,
		Service:        service.NewJobService(store, disp, m, appLogger.Logger),
		Auth:           auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Subscriber:     subscriber,
		Metrics:        m,
		MetricsPath:    cfg.Metrics.Path,
		RateLimiter:    limiter,
		RequestTimeout: cfg.Server.WriteTimeout,
		HealthChecks:   healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset so the event stream is not cut off;
		// ordinary routes are bounded by the request timeout middleware.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Bool("queue_enabled", publisher != nil),
		slog.Bool("events_enabled", subscriber != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}
	// in-process fallback jobs must reach a terminal state before the store closes
	if err := disp.Wait(shutdownCtx); err != nil {
		appLogger.Warn("Shutdown with dispatches in flight", slog.Any("error", err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Failed to flush traces", slog.Any("error", err))
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   timeFormat,
		NoColor:      cfg.NoColor,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PublisherConfirms:  cfg.Publish.Confirms,
	}, logger)
}

// initNotifier connects to Redis when enabled. Without Redis, events are
// dropped and the stream endpoint reports 503.
func initNotifier(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger, checks map[string]handler.HealthCheck) (notify.Notifier, notify.Subscriber) {
	if !cfg.Enabled {
		return notify.Nop{}, nil
	}

	n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
		Addr:          cfg.Addr,
		Password:      cfg.Password,
		DB:            cfg.DB,
		ChannelPrefix: cfg.ChannelPrefix,
		Timeout:       cfg.Timeout,
	}, logger)
	if err != nil {
		logger.Warn("Redis unavailable, job events disabled", slog.Any("error", err))
		return notify.Nop{}, nil
	}

	checks["redis"] = n.HealthCheck
	return n, n
}
