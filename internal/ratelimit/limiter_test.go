package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type failingCounter struct{ calls int }

func (f *failingCounter) Incr(context.Context, string, time.Time, time.Duration) (int64, error) {
	f.calls++
	return 0, errors.New("connection refused")
}

func windowAligned() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestAllowZeroRateDisablesLimiting(t *testing.T) {
	l := New(nil, Options{})
	for i := 0; i < 50; i++ {
		assert.True(t, l.Allow(context.Background(), "dest", 0))
		assert.True(t, l.Allow(context.Background(), "dest", -1))
	}
}

func TestAllowSixthCallRejectedWithinOneSecond(t *testing.T) {
	clock := &fakeClock{t: windowAligned().Add(100 * time.Millisecond)}
	l := New(nil, Options{Capacity: 5, Window: 10 * time.Second, Now: clock.Now})

	admitted := 0
	var results []bool
	for i := 0; i < 6; i++ {
		ok := l.Allow(context.Background(), "5511999999999", 0.5)
		results = append(results, ok)
		if ok {
			admitted++
		}
		clock.t = clock.t.Add(100 * time.Millisecond)
	}
	assert.False(t, results[5])
	assert.LessOrEqual(t, admitted, 5)
	assert.True(t, results[0])
}

func TestAllowCapsAtCapacityLateInWindow(t *testing.T) {
	clock := &fakeClock{t: windowAligned().Add(9900 * time.Millisecond)}
	l := New(nil, Options{Capacity: 5, Window: 10 * time.Second, Now: clock.Now})

	var results []bool
	for i := 0; i < 6; i++ {
		results = append(results, l.Allow(context.Background(), "topic", 0.5))
	}
	assert.Equal(t, []bool{true, true, true, true, true, false}, results)
}

func TestAllowRefillsOverWindow(t *testing.T) {
	clock := &fakeClock{t: windowAligned()}
	l := New(nil, Options{Capacity: 5, Window: 10 * time.Second, Now: clock.Now})

	require.True(t, l.Allow(context.Background(), "t", 1))
	require.False(t, l.Allow(context.Background(), "t", 1))

	clock.t = clock.t.Add(2 * time.Second)
	assert.True(t, l.Allow(context.Background(), "t", 1))
}

func TestAllowIsPerTopic(t *testing.T) {
	clock := &fakeClock{t: windowAligned()}
	l := New(nil, Options{Now: clock.Now})

	assert.True(t, l.Allow(context.Background(), "a", 1))
	assert.False(t, l.Allow(context.Background(), "a", 1))
	assert.True(t, l.Allow(context.Background(), "b", 1))
}

func TestAllowNewWindowResetsUsage(t *testing.T) {
	clock := &fakeClock{t: windowAligned()}
	l := New(nil, Options{Window: 10 * time.Second, Now: clock.Now})

	assert.True(t, l.Allow(context.Background(), "a", 1))
	assert.False(t, l.Allow(context.Background(), "a", 1))

	clock.t = clock.t.Add(10 * time.Second)
	assert.True(t, l.Allow(context.Background(), "a", 1))
}

func TestAllowFallsBackWhenCounterFails(t *testing.T) {
	clock := &fakeClock{t: windowAligned()}
	failing := &failingCounter{}
	l := New(failing, Options{Now: clock.Now})

	assert.True(t, l.Allow(context.Background(), "a", 1))
	assert.False(t, l.Allow(context.Background(), "a", 1))
	assert.Equal(t, 2, failing.calls)
}
