package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duetrack/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.TaskStore)
	assert.Equal(t, "sqlite", cfg.QueueStore)
	assert.Equal(t, "memory", cfg.CacheStore)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, "0 0 * * *", cfg.DigestCron)
	assert.Equal(t, 4, cfg.DigestConcurrency)
	assert.Empty(t, cfg.ReconcileCron)
	assert.Equal(t, "duetrack", cfg.Mongo.Database)
	assert.False(t, cfg.UsesRedis())
}

func TestLoad_EnvOverridesDotEnv(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("WORKERS=3\nCACHE_STORE=redis\nRECONCILE_CRON=*/5 * * * *\n"), 0o600))
	t.Setenv("WORKERS", "16")
	t.Setenv("WEBHOOK_HEADERS", "Authorization:Bearer x")
	t.Cleanup(func() {
		_ = os.Unsetenv("CACHE_STORE")
		_ = os.Unsetenv("RECONCILE_CRON")
	})

	cfg, err := config.Load(dotenv)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, "redis", cfg.CacheStore)
	assert.Equal(t, "*/5 * * * *", cfg.ReconcileCron)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x"}, cfg.Webhook.Headers)
	assert.True(t, cfg.UsesRedis())
}

func TestLoad_RejectsBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"TASK_STORE":     "postgres",
		"QUEUE_STORE":    "kafka",
		"NOTIFIER":       "sms",
		"DIGEST_CRON":    "every day",
		"RECONCILE_CRON": "* *",
		"WORKERS":        "0",
		"CACHE_TTL":      "soon",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestSetupLogger_JSON(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	config.SetupLoggerTo(&buf, "warn", "json")
	log.Info().Msg("hidden")
	log.Warn().Str("task_id", "t1").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"task_id":"t1"`)
}
