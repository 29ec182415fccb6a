package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the service settings shared by the api, the worker and the CLI.
// Database settings live in postgres.Config.
type Config struct {
	HTTPAddr       string        `env:"HTTP_ADDR,default=:3000" validate:"required"`
	UploadDir      string        `env:"UPLOAD_DIR,default=uploads" validate:"required"`
	UploadMaxBytes int64         `env:"UPLOAD_MAX_BYTES,default=10485760" validate:"gt=0"`
	JobRetention   time.Duration `env:"JOB_RETENTION,default=168h" validate:"gt=0"`
	AutoMigrate    bool          `env:"DB_AUTO_MIGRATE,default=false"`

	Queue  QueueConfig
	Worker WorkerConfig
	Limits RateLimitConfig
	Redis  RedisConfig
	Rabbit RabbitConfig

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`
	PdftotextBin   string `env:"PDFTOTEXT_BIN,default=pdftotext" validate:"required"`
	LogLevel       string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
}

type QueueConfig struct {
	MaxAttempts  int           `env:"QUEUE_MAX_ATTEMPTS,default=3" validate:"gte=1,lte=25"`
	BackoffType  string        `env:"QUEUE_BACKOFF_TYPE,default=exponential" validate:"oneof=exponential fixed"`
	BackoffDelay time.Duration `env:"QUEUE_BACKOFF_DELAY,default=2s" validate:"gte=0"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s" validate:"gt=0"`
	LockDuration time.Duration `env:"QUEUE_LOCK_DURATION,default=5m" validate:"gt=0"`
	Notify       bool          `env:"QUEUE_NOTIFY,default=true"`
}

type WorkerConfig struct {
	Concurrency      int           `env:"WORKER_CONCURRENCY,default=4" validate:"gte=1,lte=256"`
	MaxInfraFailures int           `env:"WORKER_MAX_INFRA_FAILURES,default=5" validate:"gte=1"`
	JanitorInterval  time.Duration `env:"WORKER_JANITOR_INTERVAL,default=30s" validate:"gt=0"`
}

type RateLimitConfig struct {
	Uploads int           `env:"RATE_LIMIT_UPLOADS,default=5" validate:"gte=0"`
	Window  time.Duration `env:"RATE_LIMIT_WINDOW,default=1m" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0" validate:"gte=0"`
}

type RabbitConfig struct {
	URL      string `env:"RABBIT_URL"`
	Exchange string `env:"RABBIT_EXCHANGE,default=parsemd.queue.events" validate:"required"`
}

// to help with testing
var envProcess = envconfig.Process

var validate = validator.New()

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
