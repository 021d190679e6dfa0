package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the funnel bot.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	WebhookSecret    string
	LogLevel         slog.Level

	BotID       string
	DatabaseURL string

	LockWindow        time.Duration
	DebounceWindow    time.Duration
	ReplyDedupeWindow time.Duration
	SessionTTL        time.Duration
	HistoryCap        int
	AskCooldown       time.Duration
	HandlerTimeout    time.Duration
	OpeningMediaURL   string

	OutboxQueue         string
	OutboxWorkers       int
	OutboxRatePerSecond float64
	OutboxRetryCount    int
	OutboxBackoffBase   time.Duration
	OutboxPopWait       time.Duration
	OutboxMinGap        time.Duration

	VariantSeed    string
	VariantBuckets string

	DeliveryMode         string
	DeliveryWebhookURL   string
	DeliveryWebhookToken string
	DeliveryTimeout      time.Duration

	// Settings are handed to stage handlers and the fallback provider. They
	// come from FUNNEL_* variables, keyed by the lowercased remainder.
	Settings map[string]string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "funnelbot"),
		WebhookSecret:        stringsTrimSpace("APP_WEBHOOK_SECRET"),
		BotID:                envOrDefault("BOT_ID", "default"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		OpeningMediaURL:      stringsTrimSpace("OPENING_MEDIA_URL"),
		OutboxQueue:          envOrDefault("OUTBOX_QUEUE", "outbox:default"),
		VariantSeed:          envOrDefault("VARIANT_SEED", "funnel-v1"),
		VariantBuckets:       envOrDefault("VARIANT_BUCKETS", "A:1,B:1"),
		DeliveryMode:         strings.ToLower(envOrDefault("DELIVERY_MODE", "log")),
		DeliveryWebhookURL:   stringsTrimSpace("DELIVERY_WEBHOOK_URL"),
		DeliveryWebhookToken: stringsTrimSpace("DELIVERY_WEBHOOK_TOKEN"),
		ShutdownTimeout:      15 * time.Second,
		LogLevel:             slog.LevelInfo,
		LockWindow:           1500 * time.Millisecond,
		DebounceWindow:       4 * time.Second,
		ReplyDedupeWindow:    20 * time.Second,
		SessionTTL:           7 * 24 * time.Hour,
		HistoryCap:           30,
		AskCooldown:          90 * time.Second,
		HandlerTimeout:       20 * time.Second,
		OutboxWorkers:        2,
		OutboxRatePerSecond:  1,
		OutboxRetryCount:     2,
		OutboxBackoffBase:    500 * time.Millisecond,
		OutboxPopWait:        2 * time.Second,
		DeliveryTimeout:      10 * time.Second,
		Settings:             settingsFromEnv("FUNNEL_"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", cfg.LogLevel)
	if err != nil {
		return Config{}, err
	}

	cfg.LockWindow, err = millisFromEnv("LOCK_WINDOW_MS", cfg.LockWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.DebounceWindow, err = millisFromEnv("DEBOUNCE_WINDOW_MS", cfg.DebounceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyDedupeWindow, err = millisFromEnv("REPLY_DEDUPE_WINDOW_MS", cfg.ReplyDedupeWindow)
	if err != nil {
		return Config{}, err
	}
	ttlSeconds, err := intFromEnv("SESSION_TTL_SECONDS", int(cfg.SessionTTL/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL = time.Duration(ttlSeconds) * time.Second
	cfg.HistoryCap, err = intFromEnv("HISTORY_CAP", cfg.HistoryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AskCooldown, err = millisFromEnv("ASK_COOLDOWN_MS", cfg.AskCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.HandlerTimeout, err = durationFromEnv("HANDLER_TIMEOUT", cfg.HandlerTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.OutboxWorkers, err = intFromEnv("OUTBOX_WORKERS", cfg.OutboxWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxRatePerSecond, err = floatFromEnv("OUTBOX_RATE_PER_SECOND", cfg.OutboxRatePerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxRetryCount, err = intFromEnv("OUTBOX_RETRY_COUNT", cfg.OutboxRetryCount)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxBackoffBase, err = millisFromEnv("OUTBOX_BACKOFF_BASE_MS", cfg.OutboxBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxPopWait, err = durationFromEnv("OUTBOX_POP_WAIT", cfg.OutboxPopWait)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxMinGap, err = millisFromEnv("OUTBOX_MIN_GAP_MS", cfg.OutboxMinGap)
	if err != nil {
		return Config{}, err
	}
	cfg.DeliveryTimeout, err = durationFromEnv("DELIVERY_TIMEOUT", cfg.DeliveryTimeout)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.LockWindow < 0 || c.DebounceWindow < 0 || c.ReplyDedupeWindow < 0 || c.AskCooldown < 0 {
		return fmt.Errorf("window settings must be >= 0")
	}
	if c.SessionTTL < time.Second {
		return fmt.Errorf("SESSION_TTL_SECONDS must be at least 1")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("HISTORY_CAP must be positive")
	}
	if c.OutboxWorkers <= 0 {
		return fmt.Errorf("OUTBOX_WORKERS must be positive")
	}
	if math.IsNaN(c.OutboxRatePerSecond) || math.IsInf(c.OutboxRatePerSecond, 0) {
		return fmt.Errorf("OUTBOX_RATE_PER_SECOND must be a finite number")
	}
	if c.OutboxRetryCount < 0 {
		return fmt.Errorf("OUTBOX_RETRY_COUNT must be >= 0")
	}
	if c.OutboxPopWait <= 0 {
		return fmt.Errorf("OUTBOX_POP_WAIT must be positive")
	}
	if strings.TrimSpace(c.OutboxQueue) == "" {
		return fmt.Errorf("OUTBOX_QUEUE must not be empty")
	}
	switch c.DeliveryMode {
	case "log", "websocket":
	case "webhook":
		if c.DeliveryWebhookURL == "" {
			return fmt.Errorf("DELIVERY_MODE=webhook requires DELIVERY_WEBHOOK_URL")
		}
	default:
		return fmt.Errorf("invalid DELIVERY_MODE: %q (expected log|webhook|websocket)", c.DeliveryMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

// millisFromEnv reads an integer number of milliseconds.
func millisFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	n, err := intFromEnv(key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func settingsFromEnv(prefix string) map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		if name == "" || strings.TrimSpace(value) == "" {
			continue
		}
		out[name] = strings.TrimSpace(value)
	}
	return out
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return lvl, nil
}
