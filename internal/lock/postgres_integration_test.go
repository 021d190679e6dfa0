//go:build integration

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/funnelbot/internal/storage/storagetest"
)

func TestPostgresGateContract(t *testing.T) {
	pool := storagetest.Pool(t)
	ctx := context.Background()

	t.Run("one winner among concurrent acquirers", func(t *testing.T) {
		g, err := NewPostgresGate(ctx, pool)
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := g.TryAcquire(ctx, "burst", time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("window expiry frees the key", func(t *testing.T) {
		g, err := NewPostgresGate(ctx, pool)
		require.NoError(t, err)
		c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
		g.now = c.Now

		ok, err := g.TryAcquire(ctx, "expiry", 2*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		c.t = c.t.Add(time.Second)
		ok, err = g.TryAcquire(ctx, "expiry", 2*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "key held inside the window")

		c.t = c.t.Add(time.Second)
		ok, err = g.TryAcquire(ctx, "expiry", 2*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "rejected attempt must not extend the window")
	})
}
