package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/funnelbot/internal/orchestrator"
	"github.com/ent0n29/funnelbot/internal/outbox"
)

// Metrics groups all Prometheus instruments used by the service. It is the
// orchestrator's collector and the outbox observer.
type Metrics struct {
	Turns            *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	StageTransitions *prometheus.CounterVec
	TurnLatency      prometheus.Histogram
	HandlerLatency   prometheus.Histogram
	OutboxEvents     *prometheus.CounterVec
	OutboxDepth      prometheus.Gauge
	DeliveryLatency  prometheus.Histogram

	gatherer prometheus.Gatherer
	window   *stepWindow
}

// MetricsConfig configures NewMetrics. Targets missing a step fall back to
// DefaultTargets.
type MetricsConfig struct {
	Namespace  string
	WindowSize int
	Targets    map[Step]time.Duration
}

// NewMetrics registers instruments on reg. A nil reg uses a fresh registry.
func NewMetrics(cfg MetricsConfig, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	targets := DefaultTargets()
	for step, d := range cfg.Targets {
		if d > 0 {
			targets[step] = d
		}
	}
	namespace := cfg.Namespace
	factory := promauto.With(reg)
	latencyBuckets := []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000}
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Inbound turns by outcome.",
		}, []string{"outcome"}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Outgoing actions by stage, variant and provenance.",
		}, []string{"stage", "variant", "provenance"}),
		StageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Funnel stage transitions.",
		}, []string{"from", "to"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "Time to process one inbound turn in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		HandlerLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_latency_ms",
			Help:      "Business handler latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		OutboxEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox job events by type and kind.",
		}, []string{"event", "kind"}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_queue_depth",
			Help:      "Jobs waiting in the outbox queue.",
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_ms",
			Help:      "Time from publish to successful delivery in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		gatherer: reg,
		window:   newStepWindow(cfg.WindowSize, targets),
	}
}

// Record implements orchestrator.Collector.
func (m *Metrics) Record(_ context.Context, actions []orchestrator.OutgoingAction, turn orchestrator.TurnReport) {
	m.Turns.WithLabelValues(turn.Outcome).Inc()
	m.window.CountOutcome(turn.Outcome)
	for _, a := range actions {
		m.Actions.WithLabelValues(string(turn.Stage), turn.Variant, a.Metadata[orchestrator.MetaProvenance]).Inc()
	}
	if turn.Outcome != orchestrator.OutcomeReplied {
		return
	}
	if turn.NextStage != turn.Stage {
		m.StageTransitions.WithLabelValues(string(turn.Stage), string(turn.NextStage)).Inc()
	}
	m.TurnLatency.Observe(float64(turn.Total.Milliseconds()))
	m.HandlerLatency.Observe(float64(turn.HandlerLatency.Milliseconds()))
	m.window.Observe(StepTurn, turn.Total)
	m.window.Observe(StepHandler, turn.HandlerLatency)
}

func (m *Metrics) ObserveOutboxEvent(event string, kind outbox.Kind) {
	m.OutboxEvents.WithLabelValues(event, string(kind)).Inc()
}

func (m *Metrics) ObserveDeliveryLatency(d time.Duration) {
	m.DeliveryLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StepDelivery, d)
}

func (m *Metrics) SetQueueDepth(n int) {
	m.OutboxDepth.Set(float64(n))
}

// LatencySnapshot returns rolling per-step latency against each step's target.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.Snapshot()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
