package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Backend selects where records, locks, events and tasks live
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// Config holds all configuration for pipeorch
type Config struct {
	// Server configuration
	HTTPPort int    `env:"PIPEORCH_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"PIPEORCH_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Backend for storage, locks, events and tasks
	Backend Backend `env:"PIPEORCH_BACKEND" envDefault:"redis"`

	// Redis configuration
	Redis RedisConfig

	// Worker configuration
	Workers WorkerConfig

	// Interrupt configuration
	Interrupts InterruptConfig

	// Barrier configuration
	Barriers BarrierConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// RecordTTL bounds how long execution records are kept. Zero keeps
	// them until deleted.
	RecordTTL time.Duration `env:"REDIS_RECORD_TTL" envDefault:"168h"`

	// ConsumerGroup names the stream consumer group of this deployment
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP" envDefault:"pipeorch"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"8"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"1024"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// InterruptConfig holds interrupt processing configuration
type InterruptConfig struct {
	AbortConcurrency int `env:"INTERRUPT_ABORT_CONCURRENCY" envDefault:"16"`
}

// BarrierConfig holds barrier lock configuration
type BarrierConfig struct {
	LockWait time.Duration `env:"BARRIER_LOCK_WAIT" envDefault:"20s"`
	LockTTL  time.Duration `env:"BARRIER_LOCK_TTL" envDefault:"60s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.HTTPPort == c.GRPCPort {
		return fmt.Errorf("HTTP and gRPC ports must differ: %d", c.HTTPPort)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
		if c.Redis.RecordTTL < 0 {
			return fmt.Errorf("redis record TTL cannot be negative")
		}
		if c.Redis.ConsumerGroup == "" {
			return fmt.Errorf("redis consumer group is required")
		}
	default:
		return fmt.Errorf("unsupported backend: %s (must be redis or memory)", c.Backend)
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker queue size cannot be negative")
	}
	if c.Workers.HealthCheckInterval <= 0 {
		return fmt.Errorf("worker health check interval must be positive")
	}

	if c.Interrupts.AbortConcurrency < 1 {
		return fmt.Errorf("abort concurrency must be at least 1")
	}

	if c.Barriers.LockWait <= 0 {
		return fmt.Errorf("barrier lock wait must be positive")
	}
	if c.Barriers.LockTTL < c.Barriers.LockWait {
		return fmt.Errorf("barrier lock TTL (%s) must not be shorter than its wait (%s)",
			c.Barriers.LockTTL, c.Barriers.LockWait)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
