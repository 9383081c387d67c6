// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"duetrack/internal/notify"
	"duetrack/internal/queue"
	"duetrack/internal/store"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`

	TaskStore  string `env:"TASK_STORE" envDefault:"sqlite"`
	QueueStore string `env:"QUEUE_STORE" envDefault:"sqlite"`
	CacheStore string `env:"CACHE_STORE" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"duetrack.db"`

	Mongo store.MongoConfig
	Redis RedisConfig

	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"60s"`
	CacheSize int           `env:"CACHE_SIZE" envDefault:"10000"`

	Workers               int           `env:"WORKERS" envDefault:"8"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	HandlerTimeout        time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	ScheduleCheckInterval time.Duration `env:"SCHEDULE_CHECK_INTERVAL" envDefault:"30s"`

	DigestCron        string `env:"DIGEST_CRON" envDefault:"0 0 * * *"`
	DigestConcurrency int    `env:"DIGEST_CONCURRENCY" envDefault:"4"`
	ReconcileCron     string `env:"RECONCILE_CRON"`

	Notifier string `env:"NOTIFIER" envDefault:"log"`
	Postmark notify.PostmarkConfig
	Webhook  notify.WebhookConfig

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads .env files if present, then the environment. Variables already
// set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load(files...)

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %v, got %q", key, allowed, v))
	}
	oneOf("TASK_STORE", c.TaskStore, "sqlite", "mongo")
	oneOf("QUEUE_STORE", c.QueueStore, "sqlite", "redis")
	oneOf("CACHE_STORE", c.CacheStore, "memory", "redis")
	oneOf("NOTIFIER", c.Notifier, "log", "postmark", "webhook")
	oneOf("LOG_FORMAT", c.LogFormat, "console", "json")

	if err := queue.ValidateCronExpression(c.DigestCron); err != nil {
		errs = append(errs, fmt.Errorf("DIGEST_CRON: %w", err))
	}
	if c.ReconcileCron != "" {
		if err := queue.ValidateCronExpression(c.ReconcileCron); err != nil {
			errs = append(errs, fmt.Errorf("RECONCILE_CRON: %w", err))
		}
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.PollInterval <= 0 || c.ScheduleCheckInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL and SCHEDULE_CHECK_INTERVAL must be positive"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.QueueStore == "redis" || c.CacheStore == "redis"
}
