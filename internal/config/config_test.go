package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "default", cfg.BotID)
	assert.Equal(t, 1500*time.Millisecond, cfg.LockWindow)
	assert.Equal(t, 4*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 2, cfg.OutboxWorkers)
	assert.Equal(t, 1.0, cfg.OutboxRatePerSecond)
	assert.Equal(t, "A:1,B:1", cfg.VariantBuckets)
	assert.Equal(t, "log", cfg.DeliveryMode)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LOCK_WINDOW_MS", "250")
	t.Setenv("SESSION_TTL_SECONDS", "60")
	t.Setenv("OUTBOX_WORKERS", "5")
	t.Setenv("OUTBOX_RATE_PER_SECOND", "0.5")
	t.Setenv("OUTBOX_POP_WAIT", "500ms")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DELIVERY_MODE", "webhook")
	t.Setenv("DELIVERY_WEBHOOK_URL", "http://localhost:9999/send")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.LockWindow)
	assert.Equal(t, time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5, cfg.OutboxWorkers)
	assert.Equal(t, 0.5, cfg.OutboxRatePerSecond)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPopWait)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "http://localhost:9999/send", cfg.DeliveryWebhookURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"OUTBOX_WORKERS":         "0",
		"HISTORY_CAP":            "-1",
		"LOCK_WINDOW_MS":         "abc",
		"DELIVERY_MODE":          "carrier-pigeon",
		"APP_ALLOW_ANY_ORIGIN":   "maybe",
		"OUTBOX_RATE_PER_SECOND": "NaN",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsNonFiniteRate(t *testing.T) {
	for _, value := range []string{"NaN", "Inf", "-Inf", "+Inf"} {
		t.Run(value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("OUTBOX_RATE_PER_SECOND", value)
			_, err := Load()
			assert.ErrorContains(t, err, "OUTBOX_RATE_PER_SECOND")
		})
	}
}

func TestLoadWebhookModeRequiresURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DELIVERY_MODE", "webhook")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DELIVERY_WEBHOOK_URL")
}

func TestLoadFunnelSettings(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("FUNNEL_REPLY_GREET", "  Hi there!  ")
	t.Setenv("FUNNEL_REPLY_GREET_B", "Hello from B")
	t.Setenv("FUNNEL_EMPTY", " ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", cfg.Settings["reply_greet"])
	assert.Equal(t, "Hello from B", cfg.Settings["reply_greet_b"])
	assert.NotContains(t, cfg.Settings, "empty")
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_WEBHOOK_SECRET",
		"LOG_LEVEL",
		"BOT_ID",
		"DATABASE_URL",
		"LOCK_WINDOW_MS",
		"DEBOUNCE_WINDOW_MS",
		"REPLY_DEDUPE_WINDOW_MS",
		"SESSION_TTL_SECONDS",
		"HISTORY_CAP",
		"ASK_COOLDOWN_MS",
		"HANDLER_TIMEOUT",
		"OPENING_MEDIA_URL",
		"OUTBOX_QUEUE",
		"OUTBOX_WORKERS",
		"OUTBOX_RATE_PER_SECOND",
		"OUTBOX_RETRY_COUNT",
		"OUTBOX_BACKOFF_BASE_MS",
		"OUTBOX_POP_WAIT",
		"OUTBOX_MIN_GAP_MS",
		"VARIANT_SEED",
		"VARIANT_BUCKETS",
		"DELIVERY_MODE",
		"DELIVERY_WEBHOOK_URL",
		"DELIVERY_WEBHOOK_TOKEN",
		"DELIVERY_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
