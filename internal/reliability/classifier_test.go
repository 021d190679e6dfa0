package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryableHTTPStatus(tc.code), "status %d", tc.code)
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	assert.Equal(t, base, ExponentialBackoff(0, base, capDur))
	assert.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base, capDur))
	assert.Equal(t, capDur, ExponentialBackoff(10, base, capDur))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 5*time.Millisecond, nil, func(int) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), 2, time.Millisecond, 5*time.Millisecond, nil, func(int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := Retry(context.Background(), 5, time.Millisecond, 5*time.Millisecond, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 5, time.Second, time.Second, nil, func(int) error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
