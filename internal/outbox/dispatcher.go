package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ent0n29/funnelbot/internal/ratelimit"
	"github.com/ent0n29/funnelbot/internal/reliability"
)

const minRateWait = 10 * time.Millisecond

// ErrPermanent marks delivery errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err so the dispatcher does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Sender is the external delivery channel.
type Sender interface {
	Send(ctx context.Context, destination string, job Job) error
}

type DispatcherOptions struct {
	RatePerSecond float64
	Retries       int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MinGap        time.Duration
	Observer      Observer
}

// Dispatcher paces and retries deliveries to a Sender. Its Deliver method is
// an outbox Handler.
type Dispatcher struct {
	sender   Sender
	limiter  *ratelimit.Limiter
	opts     DispatcherOptions
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewDispatcher(sender Sender, limiter *ratelimit.Limiter, opts DispatcherOptions) *Dispatcher {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * opts.BackoffBase
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if math.IsNaN(opts.RatePerSecond) || math.IsInf(opts.RatePerSecond, 0) {
		slog.Warn("outbox: non-finite rate disables pacing", "rate", opts.RatePerSecond)
		opts.RatePerSecond = 0
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	if limiter == nil {
		limiter = ratelimit.New(nil, ratelimit.Options{})
	}
	return &Dispatcher{
		sender:   sender,
		limiter:  limiter,
		opts:     opts,
		observer: observer,
		now:      time.Now,
		sleep:    sleepCtx,
		lastSent: make(map[string]time.Time),
	}
}

// Deliver waits for the destination's rate budget, then sends with retries.
func (d *Dispatcher) Deliver(ctx context.Context, job Job) error {
	if err := d.awaitBudget(ctx, job); err != nil {
		return err
	}
	if err := d.awaitGap(ctx, job.Destination); err != nil {
		return err
	}

	err := reliability.Retry(ctx, d.opts.Retries, d.opts.BackoffBase, d.opts.BackoffCap,
		func(err error) bool { return !errors.Is(err, ErrPermanent) },
		func(attempt int) error {
			if attempt > 0 {
				d.observer.ObserveOutboxEvent(EventRetried, job.Kind)
				slog.Debug("outbox: retrying delivery", "job_id", job.ID, "attempt", attempt)
			}
			return d.sender.Send(ctx, job.Destination, job)
		},
	)
	d.markSent(job.Destination)
	return err
}

func (d *Dispatcher) awaitBudget(ctx context.Context, job Job) error {
	rate := d.opts.RatePerSecond
	topic := "outbox:" + job.Destination
	for !d.limiter.Allow(ctx, topic, rate) {
		d.observer.ObserveOutboxEvent(EventRateLimited, job.Kind)
		// A refused check still counts as usage, so wait two refill periods
		// to let the allowance overtake it.
		wait := time.Duration(2 / rate * float64(time.Second))
		if wait > ratelimit.DefaultWindow {
			wait = ratelimit.DefaultWindow
		}
		if wait < minRateWait {
			wait = minRateWait
		}
		if !d.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) awaitGap(ctx context.Context, destination string) error {
	if d.opts.MinGap <= 0 {
		return nil
	}
	d.mu.Lock()
	last, ok := d.lastSent[destination]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if wait := d.opts.MinGap - d.now().Sub(last); wait > 0 {
		if !d.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) markSent(destination string) {
	if d.opts.MinGap <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSent[destination] = d.now()
	if len(d.lastSent) > 4096 {
		cutoff := d.now().Add(-d.opts.MinGap)
		for dest, at := range d.lastSent {
			if at.Before(cutoff) {
				delete(d.lastSent, dest)
			}
		}
	}
}
