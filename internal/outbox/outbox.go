// Package outbox queues outbound messages and drains them with a pool of
// workers. The pop that hands a job to a worker removes it from the queue, so
// a job whose delivery fails is not redelivered.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/funnelbot/internal/reliability"
)

// Handler delivers one job. It receives a context that is not cancelled by
// Stop, so an accepted job is never interrupted mid-delivery.
type Handler func(ctx context.Context, job Job) error

type Options struct {
	Workers       int
	PopWait       time.Duration
	DepthInterval time.Duration
	Observer      Observer
}

type Outbox struct {
	queue         Queue
	workers       int
	popWait       time.Duration
	depthInterval time.Duration
	observer      Observer
	now           func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(queue Queue, opts Options) *Outbox {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PopWait <= 0 {
		opts.PopWait = 2 * time.Second
	}
	if opts.DepthInterval <= 0 {
		opts.DepthInterval = 5 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	return &Outbox{
		queue:         queue,
		workers:       opts.Workers,
		popWait:       opts.PopWait,
		depthInterval: opts.DepthInterval,
		observer:      opts.Observer,
		now:           time.Now,
	}
}

// Publish appends job to the queue, filling ID and EnqueuedAt when unset.
func (o *Outbox) Publish(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = o.now().UTC()
	}
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := o.queue.Push(ctx, data); err != nil {
		return err
	}
	o.observer.ObserveOutboxEvent(EventPublished, job.Kind)
	return nil
}

// Start launches the worker pool. Calling Start on a running outbox is a no-op.
func (o *Outbox) Start(ctx context.Context, handler Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < o.workers; i++ {
		worker := i
		g.Go(func() error {
			o.work(gctx, worker, handler)
			return nil
		})
	}
	g.Go(func() error {
		o.sampleDepth(gctx)
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	o.started = true
	o.cancel = cancel
	o.done = done
	slog.Info("outbox: workers started", "workers", o.workers, "backend", o.queue.Mode())
}

// Stop signals workers to exit after their current unit of work and waits for
// them until ctx ends.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	cancel, done := o.cancel, o.done
	o.started = false
	o.cancel = nil
	o.done = nil
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
		slog.Info("outbox: workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox: stop: %w", ctx.Err())
	}
}

// Running reports whether the worker pool is active.
func (o *Outbox) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

func (o *Outbox) QueueSize(ctx context.Context) (int, error) {
	n, err := o.queue.Len(ctx)
	if err != nil {
		return 0, err
	}
	o.observer.SetQueueDepth(n)
	return n, nil
}

// Mode names the queue backend.
func (o *Outbox) Mode() string { return o.queue.Mode() }

func (o *Outbox) work(ctx context.Context, worker int, handler Handler) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := o.queue.Pop(ctx, o.popWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Warn("outbox: pop failed", "worker", worker, "error", err)
			if !sleepCtx(ctx, popErrorBackoff(failures)) {
				return
			}
			continue
		}
		failures = 0
		if data == nil {
			continue
		}
		job, err := decodeJob(data)
		if err != nil {
			o.observer.ObserveOutboxEvent(EventMalformed, "")
			slog.Warn("outbox: dropping malformed job", "worker", worker, "error", err)
			continue
		}
		o.deliver(context.WithoutCancel(ctx), worker, job, handler)
	}
}

func (o *Outbox) deliver(ctx context.Context, worker int, job Job, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			o.observer.ObserveOutboxEvent(EventFailed, job.Kind)
			slog.Error("outbox: delivery handler panicked", "worker", worker, "job_id", job.ID, "panic", r)
		}
	}()
	if err := handler(ctx, job); err != nil {
		o.observer.ObserveOutboxEvent(EventFailed, job.Kind)
		slog.Error("outbox: delivery failed",
			"worker", worker,
			"job_id", job.ID,
			"destination", job.Destination,
			"kind", job.Kind,
			"error", err,
		)
		return
	}
	o.observer.ObserveOutboxEvent(EventDelivered, job.Kind)
	if !job.EnqueuedAt.IsZero() {
		o.observer.ObserveDeliveryLatency(o.now().Sub(job.EnqueuedAt))
	}
}

func (o *Outbox) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(o.depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.QueueSize(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("outbox: depth sample failed", "error", err)
			}
		}
	}
}

func popErrorBackoff(failures int) time.Duration {
	return reliability.ExponentialBackoff(failures-1, 100*time.Millisecond, 5*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
