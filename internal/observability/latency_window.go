package observability

import (
	"sort"
	"sync"
	"time"
)

// Step names a timed part of the turn and delivery pipeline.
type Step string

const (
	StepHandler  Step = "handler"
	StepTurn     Step = "turn_total"
	StepDelivery Step = "delivery"
)

// pipelineSteps fixes the order steps are reported in.
var pipelineSteps = []Step{StepHandler, StepTurn, StepDelivery}

// DefaultTargets returns the p95 objective of every step.
func DefaultTargets() map[Step]time.Duration {
	return map[Step]time.Duration{
		StepHandler:  3 * time.Second,
		StepTurn:     4 * time.Second,
		StepDelivery: 5 * time.Second,
	}
}

type StepStats struct {
	Step        Step  `json:"step"`
	Samples     int   `json:"samples"`
	LastMS      int64 `json:"last_ms"`
	MeanMS      int64 `json:"mean_ms"`
	P50MS       int64 `json:"p50_ms"`
	P95MS       int64 `json:"p95_ms"`
	MaxMS       int64 `json:"max_ms"`
	TargetP95MS int64 `json:"target_p95_ms,omitempty"`
	// OverTarget counts samples in the window slower than the target.
	OverTarget int  `json:"over_target"`
	Breached   bool `json:"breached"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// LatencySnapshot is served by the perf endpoint.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Steps       []StepStats    `json:"steps"`
	Outcomes    []OutcomeCount `json:"outcomes"`
}

// stepWindow keeps the most recent durations of each pipeline step and a
// running count of turn outcomes.
type stepWindow struct {
	mu       sync.Mutex
	size     int
	targets  map[Step]time.Duration
	samples  map[Step][]time.Duration
	outcomes map[string]int
}

func newStepWindow(size int, targets map[Step]time.Duration) *stepWindow {
	if size <= 0 {
		size = 256
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	return &stepWindow{
		size:     size,
		targets:  targets,
		samples:  make(map[Step][]time.Duration),
		outcomes: make(map[string]int),
	}
}

func (w *stepWindow) Observe(step Step, d time.Duration) {
	if step == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.samples[step]
	if len(s) == w.size {
		copy(s, s[1:])
		s[len(s)-1] = d
	} else {
		s = append(s, d)
	}
	w.samples[step] = s
}

func (w *stepWindow) CountOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *stepWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Steps:       []StepStats{},
		Outcomes:    []OutcomeCount{},
	}
	for _, step := range pipelineSteps {
		if s := w.samples[step]; len(s) > 0 {
			snap.Steps = append(snap.Steps, summarize(step, s, w.targets[step]))
		}
	}
	for outcome, n := range w.outcomes {
		snap.Outcomes = append(snap.Outcomes, OutcomeCount{Outcome: outcome, Count: n})
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool { return snap.Outcomes[i].Outcome < snap.Outcomes[j].Outcome })
	return snap
}

func summarize(step Step, window []time.Duration, target time.Duration) StepStats {
	sorted := append([]time.Duration(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	over := 0
	for _, d := range sorted {
		total += d
		if target > 0 && d > target {
			over++
		}
	}
	st := StepStats{
		Step:        step,
		Samples:     len(sorted),
		LastMS:      window[len(window)-1].Milliseconds(),
		MeanMS:      (total / time.Duration(len(sorted))).Milliseconds(),
		P50MS:       nearestRank(sorted, 50).Milliseconds(),
		P95MS:       nearestRank(sorted, 95).Milliseconds(),
		MaxMS:       sorted[len(sorted)-1].Milliseconds(),
		TargetP95MS: target.Milliseconds(),
		OverTarget:  over,
	}
	st.Breached = target > 0 && nearestRank(sorted, 95) > target
	return st
}

// nearestRank returns the p-th percentile of an ascending slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
