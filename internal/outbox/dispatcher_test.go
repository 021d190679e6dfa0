package outbox

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/funnelbot/internal/ratelimit"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls []Job
}

func (s *scriptedSender) Send(_ context.Context, _ string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, job)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("timeout"), errors.New("502")}}
	obs := newRecordingObserver()
	d := NewDispatcher(sender, nil, DispatcherOptions{Retries: 2, BackoffBase: time.Millisecond, Observer: obs})

	require.NoError(t, d.Deliver(context.Background(), textJob("d", "hi")))
	assert.Equal(t, 3, sender.count())
	assert.Equal(t, 2, obs.count(EventRetried))
}

func TestDispatcherGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("down")
	sender := &scriptedSender{errs: []error{boom, boom, boom, boom}}
	d := NewDispatcher(sender, nil, DispatcherOptions{Retries: 1, BackoffBase: time.Millisecond})

	assert.ErrorIs(t, d.Deliver(context.Background(), textJob("d", "hi")), boom)
	assert.Equal(t, 2, sender.count())
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	sender := &scriptedSender{errs: []error{Permanent(errors.New("400 bad request"))}}
	d := NewDispatcher(sender, nil, DispatcherOptions{Retries: 5, BackoffBase: time.Millisecond})

	err := d.Deliver(context.Background(), textJob("d", "hi"))
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, sender.count())
}

func TestDispatcherWaitsForRateBudget(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.New(nil, ratelimit.Options{Capacity: 5, Window: 10 * time.Second, Now: clock.Now})
	sender := &scriptedSender{}
	obs := newRecordingObserver()
	d := NewDispatcher(sender, limiter, DispatcherOptions{RatePerSecond: 1, Observer: obs})

	var slept []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) bool {
		slept = append(slept, wait)
		clock.Advance(wait)
		return true
	}

	require.NoError(t, d.Deliver(context.Background(), textJob("5511", "one")))
	require.NoError(t, d.Deliver(context.Background(), textJob("5511", "two")))

	assert.Equal(t, 2, sender.count())
	assert.Equal(t, 1, obs.count(EventRateLimited))
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)
}

func TestDispatcherNonFiniteRateDisablesPacing(t *testing.T) {
	for _, rate := range []float64{math.NaN(), math.Inf(1)} {
		sender := &scriptedSender{}
		d := NewDispatcher(sender, nil, DispatcherOptions{RatePerSecond: rate})
		d.sleep = func(context.Context, time.Duration) bool {
			t.Fatalf("rate %v: unexpected pacing wait", rate)
			return false
		}
		for i := 0; i < 10; i++ {
			require.NoError(t, d.Deliver(context.Background(), textJob("5511", "hi")))
		}
		assert.Equal(t, 10, sender.count())
	}
}

func TestDispatcherRateWaitHonorsContext(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.New(nil, ratelimit.Options{Now: clock.Now})
	sender := &scriptedSender{}
	d := NewDispatcher(sender, limiter, DispatcherOptions{RatePerSecond: 1})
	d.sleep = func(context.Context, time.Duration) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Deliver(ctx, textJob("d", "one")))
	cancel()
	assert.ErrorIs(t, d.Deliver(ctx, textJob("d", "two")), context.Canceled)
	assert.Equal(t, 1, sender.count())
}

func TestDispatcherEnforcesMinimumGap(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	sender := &scriptedSender{}
	d := NewDispatcher(sender, nil, DispatcherOptions{MinGap: 800 * time.Millisecond})
	d.now = clock.Now

	var slept []time.Duration
	d.sleep = func(_ context.Context, wait time.Duration) bool {
		slept = append(slept, wait)
		clock.Advance(wait)
		return true
	}

	require.NoError(t, d.Deliver(context.Background(), textJob("a", "1")))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, d.Deliver(context.Background(), textJob("a", "2")))
	require.NoError(t, d.Deliver(context.Background(), textJob("b", "3")))

	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
}

func TestDispatcherAsOutboxHandler(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, nil, DispatcherOptions{})
	o, _ := newTestOutbox(2, nil)
	o.Start(context.Background(), d.Deliver)
	defer stopOutbox(t, o)

	require.NoError(t, o.Publish(context.Background(), Job{
		Destination: "5511999999999",
		Kind:        KindImage,
		Payload:     Payload{URL: "https://cdn.example.com/catalog.jpg", Caption: "catalog"},
	}))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
}
