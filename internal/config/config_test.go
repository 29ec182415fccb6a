package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	lookuper := envconfig.MapLookuper(map[string]string{})
	original := envProcess
	envProcess = func(ctx context.Context, v any, mus ...envconfig.Mutator) error {
		return envconfig.ProcessWith(ctx, &envconfig.Config{Target: v, Lookuper: lookuper})
	}
	t.Cleanup(func() { envProcess = original })

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.HTTPAddr)
	assert.Equal(t, 7*24*time.Hour, cfg.JobRetention)
	assert.Equal(t, DefaultMaxAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Queue.BackoffType)
	assert.Equal(t, DefaultBackoffDelay, cfg.Queue.BackoffDelay)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LockDuration)
	assert.True(t, cfg.Queue.Notify)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.JanitorInterval)
	assert.Equal(t, 5, cfg.Limits.Uploads)
	assert.Equal(t, time.Minute, cfg.Limits.Window)
	assert.Equal(t, "parsemd.queue.events", cfg.Rabbit.Exchange)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		processErr    error
		errorContains []string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "overrides",
			env: map[string]string{
				"HTTP_ADDR":           ":8080",
				"QUEUE_BACKOFF_TYPE":  "fixed",
				"QUEUE_BACKOFF_DELAY": "500ms",
				"WORKER_CONCURRENCY":  "16",
				"REDIS_ADDR":          "redis:6379",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":8080", cfg.HTTPAddr)
				assert.Equal(t, "fixed", cfg.Queue.BackoffType)
				assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffDelay)
				assert.Equal(t, 16, cfg.Worker.Concurrency)
				assert.Equal(t, "redis:6379", cfg.Redis.Addr)
			},
		},
		{
			name: "all validation errors are reported together",
			env: map[string]string{
				"QUEUE_BACKOFF_TYPE": "linear",
				"WORKER_CONCURRENCY": "0",
				"LOG_LEVEL":          "verbose",
			},
			errorContains: []string{
				"config validation failed",
				"BackoffType failed oneof",
				"Concurrency failed gte",
				"LogLevel failed oneof",
			},
		},
		{
			name:          "env processing error",
			processErr:    errors.New("env: WORKER_CONCURRENCY: invalid syntax"),
			errorContains: []string{"failed to process env config"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := envProcess
			envProcess = func(ctx context.Context, v any, mus ...envconfig.Mutator) error {
				if tt.processErr != nil {
					return tt.processErr
				}
				return envconfig.ProcessWith(ctx, &envconfig.Config{
					Target:   v,
					Lookuper: envconfig.MapLookuper(tt.env),
				})
			}
			t.Cleanup(func() { envProcess = original })

			cfg, err := Load(context.Background())

			if len(tt.errorContains) > 0 {
				require.Error(t, err)
				for _, s := range tt.errorContains {
					assert.Contains(t, err.Error(), s)
				}
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
