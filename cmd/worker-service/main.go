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

	"github.com/joho/godotenv"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/config"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/dispatcher"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/executor"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/metrics"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/notify"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/tracing"
	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/worker"
	"github.com/k-yamada-dev/codecheck-202507-sub000/migrations"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/logger"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/postgresql"
	"github.com/k-yamada-dev/codecheck-202507-sub000/shared/rabbitmq"
)

const serviceName = "job-worker-service"

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
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
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
			return err
		}
	}
	store := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Redis.Enabled {
		n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			Timeout:       cfg.Redis.Timeout,
		}, appLogger.Logger)
		if err != nil {
			appLogger.Warn("Redis unavailable, job events disabled", slog.Any("error", err))
		} else {
			defer n.Close()
			notifier = n
		}
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

	var sweeper *worker.Sweeper
	if cfg.Sweeper.Enabled {
		// The sweeper only republishes; it never runs jobs itself.
		republisher := dispatcher.New(dispatcher.Config{
			Publisher:      rabbitClient,
			Store:          store,
			Metrics:        m,
			Tracer:         tp.Tracer(),
			Logger:         appLogger.Logger,
			PublishTimeout: cfg.RabbitMQ.Publish.Timeout,
		})
		sweeper = worker.NewSweeper(worker.SweeperConfig{
			Store:      store,
			Publisher:  republisher,
			Metrics:    m,
			Logger:     appLogger.Logger,
			Interval:   cfg.Sweeper.Interval,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
		})
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Broker:        rabbitClient,
		Executor:      exec,
		Sweeper:       sweeper,
		WorkerID:      cfg.Worker.ID,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	var metricsSrv *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}

	errChan := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.Bool("sweeper_enabled", sweeper != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error", slog.Any("error", runErr))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Failed to flush traces", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
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
