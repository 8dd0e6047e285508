package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
	// MinJWTSecretLen is the shortest HS256 secret accepted
	MinJWTSecretLen = 32
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Auth      AuthConfig      `yaml:"auth"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"SERVER_PORT, overwrite"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the job store implementation
type StorageConfig struct {
	Driver string `yaml:"driver" env:"STORAGE_DRIVER, overwrite"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"DATABASE_HOST, overwrite"`
	Port            int           `yaml:"port" env:"DATABASE_PORT, overwrite"`
	User            string        `yaml:"user" env:"DATABASE_USER, overwrite"`
	Password        string        `yaml:"password" env:"DATABASE_PASSWORD, overwrite"`
	Database        string        `yaml:"database" env:"DATABASE_NAME, overwrite"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host" env:"RABBITMQ_HOST, overwrite"`
	Port       int              `yaml:"port" env:"RABBITMQ_PORT, overwrite"`
	User       string           `yaml:"user" env:"RABBITMQ_USER, overwrite"`
	Password   string           `yaml:"password" env:"RABBITMQ_PASSWORD, overwrite"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
	Confirms          bool          `yaml:"confirms"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the status notification pub/sub connection
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr" env:"REDIS_ADDR, overwrite"`
	Password      string        `yaml:"password" env:"REDIS_PASSWORD, overwrite"`
	DB            int           `yaml:"db"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LOG_LEVEL, overwrite"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	TimeFormat   string `yaml:"time_format"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"APP_ENV, overwrite"`
}

// AuthConfig holds JWT validation settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET, overwrite"`
	Issuer    string `yaml:"issuer"`
}

// ExecutorConfig describes the watermark engine invocation
type ExecutorConfig struct {
	Binary  string        `yaml:"binary" env:"WATERMARK_BINARY, overwrite"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id" env:"WORKER_ID, overwrite"`
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SweeperConfig controls re-publishing of jobs left in PENDING
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT, overwrite"`
}

// RateLimitConfig bounds job creation per tenant
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// to help with testing
var envProcess = envconfig.Process

// ApplyEnv overrides file values with any matching environment variables.
func (c *Config) ApplyEnv(ctx context.Context) error {
	if err := envProcess(ctx, c); err != nil {
		return fmt.Errorf("failed to process env config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverPostgres
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 5 * time.Minute
	}
	if c.RabbitMQ.Publish.Timeout == 0 {
		c.RabbitMQ.Publish.Timeout = 5 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "watermark:jobs"
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = 2 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Executor.Binary == "" {
		return fmt.Errorf("executor binary is required")
	}

	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("auth jwt_secret must be at least %d bytes", MinJWTSecretLen)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requests_per_second and burst must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Storage.Driver != StorageDriverPostgres {
		return fmt.Errorf("worker requires the %s storage driver", StorageDriverPostgres)
	}

	if !c.RabbitMQ.Enabled {
		return fmt.Errorf("worker requires rabbitmq to be enabled")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			return fmt.Errorf("sweeper interval must be greater than 0")
		}
		if c.Sweeper.StaleAfter <= 0 {
			return fmt.Errorf("sweeper stale_after must be greater than 0")
		}
		if c.Sweeper.BatchSize <= 0 {
			return fmt.Errorf("sweeper batch_size must be greater than 0")
		}
	}

	return nil
}
