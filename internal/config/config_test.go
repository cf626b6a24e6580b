package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 168*time.Hour, cfg.Redis.RecordTTL)
	assert.Equal(t, 8, cfg.Workers.PoolSize)
	assert.Equal(t, 16, cfg.Interrupts.AbortConcurrency)
	assert.Equal(t, 20*time.Second, cfg.Barriers.LockWait)
	assert.Equal(t, 60*time.Second, cfg.Barriers.LockTTL)
	assert.Equal(t, ":8080", cfg.GetHTTPAddr())
	assert.Equal(t, ":9090", cfg.GetGRPCAddr())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PIPEORCH_BACKEND", "memory")
	t.Setenv("PIPEORCH_HTTP_PORT", "8181")
	t.Setenv("WORKER_POOL_SIZE", "2")
	t.Setenv("BARRIER_LOCK_WAIT", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, 2, cfg.Workers.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Barriers.LockWait)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_RejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("PIPEORCH_BACKEND", "etcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported backend: etcd")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTPPort: 8080,
			GRPCPort: 9090,
			LogLevel: "info",
			Backend:  BackendRedis,
			Redis:    RedisConfig{Addr: "localhost:6379", ConsumerGroup: "pipeorch"},
			Workers:  WorkerConfig{PoolSize: 1, QueueSize: 0, HealthCheckInterval: time.Second},
			Interrupts: InterruptConfig{
				AbortConcurrency: 1,
			},
			Barriers: BarrierConfig{LockWait: time.Second, LockTTL: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "memory backend ignores redis", mutate: func(c *Config) {
			c.Backend = BackendMemory
			c.Redis = RedisConfig{}
		}},
		{name: "bad HTTP port", mutate: func(c *Config) { c.HTTPPort = 0 }, wantErr: "invalid HTTP port"},
		{name: "bad gRPC port", mutate: func(c *Config) { c.GRPCPort = 70000 }, wantErr: "invalid gRPC port"},
		{name: "same ports", mutate: func(c *Config) { c.GRPCPort = 8080 }, wantErr: "must differ"},
		{name: "missing redis addr", mutate: func(c *Config) { c.Redis.Addr = "" }, wantErr: "redis address is required"},
		{name: "no workers", mutate: func(c *Config) { c.Workers.PoolSize = 0 }, wantErr: "worker pool size"},
		{name: "no abort concurrency", mutate: func(c *Config) { c.Interrupts.AbortConcurrency = 0 }, wantErr: "abort concurrency"},
		{name: "lock ttl shorter than wait", mutate: func(c *Config) { c.Barriers.LockTTL = time.Millisecond }, wantErr: "must not be shorter"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
