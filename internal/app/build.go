package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ent0n29/funnelbot/internal/channel"
	"github.com/ent0n29/funnelbot/internal/config"
	"github.com/ent0n29/funnelbot/internal/funnel"
	"github.com/ent0n29/funnelbot/internal/httpapi"
	"github.com/ent0n29/funnelbot/internal/lock"
	"github.com/ent0n29/funnelbot/internal/observability"
	"github.com/ent0n29/funnelbot/internal/orchestrator"
	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/ratelimit"
	"github.com/ent0n29/funnelbot/internal/session"
	"github.com/ent0n29/funnelbot/internal/storage"
	"github.com/ent0n29/funnelbot/internal/variant"
)

const (
	connectTimeout  = 5 * time.Second
	janitorInterval = time.Minute
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *orchestrator.Orchestrator
	Outbox       *outbox.Outbox
	Dispatcher   *outbox.Dispatcher
	Sessions     session.Store
	Hub          *channel.Hub
	Metrics      *observability.Metrics
	// Backends names the mode each component runs in.
	Backends map[string]string

	// Cleanup should be called on shutdown, after Stop, to release the pool.
	Cleanup func() error
}

// Build wires every component. A configured but unreachable database is not
// fatal: each component falls back to its in-process implementation.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	buckets, err := variant.ParseBuckets(cfg.VariantBuckets)
	if err != nil {
		return nil, fmt.Errorf("variant buckets: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(observability.MetricsConfig{
		Namespace: cfg.MetricsNamespace,
		Targets: map[observability.Step]time.Duration{
			observability.StepHandler:  cfg.HandlerTimeout,
			observability.StepDelivery: cfg.DeliveryTimeout,
		},
	}, reg)

	pool, err := storage.Connect(ctx, cfg.DatabaseURL, connectTimeout)
	if err != nil {
		slog.Warn("app: database unavailable, using in-process backends", "error", err)
		pool = nil
	}

	backends := make(map[string]string)
	sessions := buildSessions(ctx, pool, cfg.SessionTTL, backends)
	gate := buildGate(ctx, pool, backends)
	counter := buildCounter(ctx, pool, backends)
	queue := buildQueue(ctx, pool, cfg.OutboxQueue, backends)

	hub := channel.NewHub(httpapi.CheckOrigin(cfg.AllowAnyOrigin))
	sender, err := buildSender(cfg, hub)
	if err != nil {
		closePool(pool)
		return nil, err
	}
	backends["delivery"] = cfg.DeliveryMode

	ob := outbox.New(queue, outbox.Options{
		Workers:  cfg.OutboxWorkers,
		PopWait:  cfg.OutboxPopWait,
		Observer: metrics,
	})
	limiter := ratelimit.New(counter, ratelimit.Options{})
	dispatcher := outbox.NewDispatcher(sender, limiter, outbox.DispatcherOptions{
		RatePerSecond: cfg.OutboxRatePerSecond,
		Retries:       cfg.OutboxRetryCount,
		BackoffBase:   cfg.OutboxBackoffBase,
		MinGap:        cfg.OutboxMinGap,
		Observer:      metrics,
	})

	handlers := orchestrator.NewRegistry()
	if err := funnel.Register(handlers); err != nil {
		closePool(pool)
		return nil, err
	}
	orch := orchestrator.New(orchestrator.Config{
		BotID:             cfg.BotID,
		Settings:          cfg.Settings,
		LockWindow:        cfg.LockWindow,
		DebounceWindow:    cfg.DebounceWindow,
		ReplyDedupeWindow: cfg.ReplyDedupeWindow,
		HistoryCap:        cfg.HistoryCap,
		AskCooldown:       cfg.AskCooldown,
		HandlerTimeout:    cfg.HandlerTimeout,
		OpeningMediaURL:   cfg.OpeningMediaURL,
	}, orchestrator.Deps{
		Sessions:  sessions,
		Gate:      gate,
		Router:    variant.NewRouter(cfg.VariantSeed, buckets),
		Registry:  handlers,
		Fallback:  funnel.Fallback{},
		Outbox:    ob,
		Collector: metrics,
	})
	hub.SetInboundHandler(func(ctx context.Context, contactID, text string) int {
		return len(orch.Handle(ctx, contactID, text))
	})

	api := httpapi.New(cfg, httpapi.Options{
		Turns:    orch,
		Outbox:   ob,
		Metrics:  metrics,
		Console:  hub,
		Backends: backends,
	})

	cleanup := func() error {
		var errs []error
		if err := sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		closePool(pool)
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orch,
		Outbox:       ob,
		Dispatcher:   dispatcher,
		Sessions:     sessions,
		Hub:          hub,
		Metrics:      metrics,
		Backends:     backends,
		Cleanup:      cleanup,
	}, nil
}

// Start launches the outbox workers and the session janitor. Both stop when
// ctx ends; call Stop to wait for the workers.
func (b *BuildResult) Start(ctx context.Context) {
	b.Outbox.Start(ctx, b.Dispatcher.Deliver)
	if j, ok := b.Sessions.(session.Janitor); ok {
		j.StartJanitor(ctx, janitorInterval)
	}
}

// Stop waits for in-flight deliveries to finish until ctx ends.
func (b *BuildResult) Stop(ctx context.Context) error {
	return b.Outbox.Stop(ctx)
}

func buildSessions(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration, backends map[string]string) session.Store {
	if pool != nil {
		st, err := session.NewStore(ctx, pool, ttl)
		if err == nil {
			backends["sessions"] = "postgres"
			return session.NewFallbackStore(st, session.NewMemoryStore(ttl))
		}
		slog.Warn("app: postgres session store unavailable, using in-process store", "error", err)
	}
	backends["sessions"] = "in-memory"
	return session.NewMemoryStore(ttl)
}

func buildGate(ctx context.Context, pool *pgxpool.Pool, backends map[string]string) lock.Gate {
	if pool != nil {
		g, err := lock.NewPostgresGate(ctx, pool)
		if err == nil {
			backends["lock"] = "postgres"
			return lock.NewFallbackGate(g)
		}
		slog.Warn("app: postgres lock unavailable, using in-process gate", "error", err)
	}
	backends["lock"] = "in-memory"
	return lock.NewMemoryGate()
}

func buildCounter(ctx context.Context, pool *pgxpool.Pool, backends map[string]string) ratelimit.Counter {
	if pool != nil {
		c, err := ratelimit.NewPostgresCounter(ctx, pool)
		if err == nil {
			backends["ratelimit"] = "postgres"
			return c
		}
		slog.Warn("app: postgres rate counter unavailable, using in-process counter", "error", err)
	}
	backends["ratelimit"] = "in-memory"
	return ratelimit.NewMemoryCounter()
}

func buildQueue(ctx context.Context, pool *pgxpool.Pool, name string, backends map[string]string) outbox.Queue {
	if pool != nil {
		q, err := outbox.NewPostgresQueue(ctx, pool, name)
		if err == nil {
			backends["outbox"] = q.Mode()
			return q
		}
		slog.Warn("app: postgres outbox unavailable, using in-process queue", "error", err)
	}
	q := outbox.NewMemoryQueue()
	backends["outbox"] = q.Mode()
	return q
}

func buildSender(cfg config.Config, hub *channel.Hub) (outbox.Sender, error) {
	switch cfg.DeliveryMode {
	case "webhook":
		return channel.NewWebhook(channel.WebhookConfig{
			URL:     cfg.DeliveryWebhookURL,
			Token:   cfg.DeliveryWebhookToken,
			Timeout: cfg.DeliveryTimeout,
		}), nil
	case "websocket":
		return hub, nil
	case "log", "":
		return channel.NewLog(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", cfg.DeliveryMode)
	}
}

func closePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
}
