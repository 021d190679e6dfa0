package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestStore(ttl time.Duration) (*MemoryStore, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	st := NewMemoryStore(ttl)
	st.SetClock(c.Now)
	return st, c
}

func TestStageTransitionTableIsTotal(t *testing.T) {
	for _, s := range Stages() {
		next := NextStage(s)
		assert.True(t, next.Valid(), "successor of %s", s)
	}
	assert.Equal(t, StagePostsale, NextStage(StagePostsale))
	assert.Equal(t, StageQualify, NextStage(StageGreet))
	assert.Equal(t, StageOffer, NextStage(StageQualify))
	assert.Equal(t, StageClose, NextStage(StageOffer))
	assert.Equal(t, StagePostsale, NextStage(StageClose))
}

func TestNormalizeStage(t *testing.T) {
	assert.Equal(t, StageOffer, NormalizeStage(" OFFER "))
	assert.Equal(t, StageGreet, NormalizeStage("checkout"))
	assert.Equal(t, StageGreet, NormalizeStage(""))
	assert.Equal(t, StageQualify, NextStage(Stage("bogus")))
}

func TestMemoryStoreCreatesDefaultSession(t *testing.T) {
	st, _ := newTestStore(time.Hour)
	ctx := context.Background()

	missing, err := st.Get(ctx, "bot", "c1", false)
	require.NoError(t, err)
	assert.Nil(t, missing)

	s, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, StageGreet, s.Stage)
	assert.Empty(t, s.Slots)
	assert.Empty(t, s.Context.History)

	again, err := st.Get(ctx, "bot", "c1", false)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestMemoryStoreSaveRoundTrip(t *testing.T) {
	st, _ := newTestStore(time.Hour)
	ctx := context.Background()

	s, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	s.Stage = StageOffer
	s.Slots["zip"] = "01310-100"
	require.NoError(t, st.Save(ctx, s))

	s.Slots["zip"] = "mutated after save"

	got, err := st.Get(ctx, "bot", "c1", false)
	require.NoError(t, err)
	assert.Equal(t, StageOffer, got.Stage)
	assert.Equal(t, "01310-100", got.Slots["zip"])
}

func TestMemoryStoreExpiredSessionIsRecreated(t *testing.T) {
	st, c := newTestStore(time.Minute)
	ctx := context.Background()

	s, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	s.Stage = StageClose
	s.Slots["name"] = "Ana"
	require.NoError(t, st.Save(ctx, s))

	c.t = c.t.Add(2 * time.Minute)

	fresh, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	assert.Equal(t, StageGreet, fresh.Stage)
	assert.Empty(t, fresh.Slots)
	assert.Empty(t, fresh.Context.History)
}

func TestMemoryStoreGetSlidesExpiry(t *testing.T) {
	st, c := newTestStore(time.Minute)
	ctx := context.Background()

	s, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	s.Stage = StageOffer
	require.NoError(t, st.Save(ctx, s))

	for i := 0; i < 5; i++ {
		c.t = c.t.Add(40 * time.Second)
		got, err := st.Get(ctx, "bot", "c1", false)
		require.NoError(t, err)
		require.NotNil(t, got, "iteration %d", i)
		assert.Equal(t, StageOffer, got.Stage)
	}
}

func TestMemoryStoreKeysByBot(t *testing.T) {
	st, _ := newTestStore(time.Hour)
	ctx := context.Background()

	a, err := st.Get(ctx, "bot-a", "c1", true)
	require.NoError(t, err)
	a.Stage = StageClose
	require.NoError(t, st.Save(ctx, a))

	b, err := st.Get(ctx, "bot-b", "c1", true)
	require.NoError(t, err)
	assert.Equal(t, StageGreet, b.Stage)
	assert.Equal(t, 2, st.Count())
}

func TestMemoryStoreExpire(t *testing.T) {
	st, c := newTestStore(time.Minute)
	ctx := context.Background()
	_, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	assert.Equal(t, int64(1), st.expire())
	assert.Equal(t, 0, st.Count())
}

func TestPushHistoryTrimsOldest(t *testing.T) {
	s := New("bot", "c1", time.Now())
	now := time.Now()
	for i := 0; i < 7; i++ {
		PushHistory(s, RoleUser, fmt.Sprintf("m%d", i), 5, now.Add(time.Duration(i)*time.Second))
	}
	require.Len(t, s.Context.History, 5)
	assert.Equal(t, "m2", s.Context.History[0].Content)
	assert.Equal(t, "m6", s.Context.History[4].Content)
}

func TestCanAskCooldown(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New("bot", "c1", now)

	assert.True(t, CanAsk(s, "zip", time.Minute, now))
	MarkAsked(s, "zip", now)
	assert.False(t, CanAsk(s, "zip", time.Minute, now.Add(30*time.Second)))
	assert.True(t, CanAsk(s, "zip", time.Minute, now.Add(time.Minute)))
	assert.True(t, CanAsk(s, "name", time.Minute, now))
}

func TestCloneIsDeep(t *testing.T) {
	s := New("bot", "c1", time.Now())
	s.Slots["name"] = "Ana"
	MarkAsked(s, "q", time.Now())
	PushHistory(s, RoleUser, "oi", 10, time.Now())

	c := Clone(s)
	c.Slots["name"] = "Bia"
	c.Context.Asked["q2"] = time.Now()
	c.Context.History[0].Content = "changed"

	assert.Equal(t, "Ana", s.Slots["name"])
	assert.NotContains(t, s.Context.Asked, "q2")
	assert.Equal(t, "oi", s.Context.History[0].Content)
}

func TestNewStoreWithoutPoolIsMemory(t *testing.T) {
	st, err := NewStore(context.Background(), nil, time.Minute)
	require.NoError(t, err)
	_, ok := st.(*MemoryStore)
	assert.True(t, ok)
}

type flakyStore struct {
	down  bool
	saved int
	inner *MemoryStore
}

func (f *flakyStore) Get(ctx context.Context, botID, contactID string, create bool) (*ContactSession, error) {
	if f.down {
		return nil, fmt.Errorf("connection refused")
	}
	return f.inner.Get(ctx, botID, contactID, create)
}

func (f *flakyStore) Save(ctx context.Context, s *ContactSession) error {
	if f.down {
		return fmt.Errorf("connection refused")
	}
	f.saved++
	return f.inner.Save(ctx, s)
}

func (f *flakyStore) Close() error { return nil }

func TestFallbackStoreContinuesFromLastSeenState(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{inner: NewMemoryStore(time.Hour)}
	st := NewFallbackStore(primary, NewMemoryStore(time.Hour))

	s, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	s.Stage = StageOffer
	s.Slots["name"] = "Ana"
	require.NoError(t, st.Save(ctx, s))
	assert.Equal(t, 1, primary.saved)

	primary.down = true
	got, err := st.Get(ctx, "bot", "c1", true)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StageOffer, got.Stage)
	assert.Equal(t, "Ana", got.Slots["name"])

	got.Stage = StageClose
	require.NoError(t, st.Save(ctx, got))

	fresh, err := st.Get(ctx, "bot", "c2", true)
	require.NoError(t, err)
	assert.Equal(t, StageGreet, fresh.Stage)

	primary.down = false
	back, err := st.Get(ctx, "bot", "c1", false)
	require.NoError(t, err)
	assert.Equal(t, StageOffer, back.Stage, "primary is authoritative once it answers again")
}

func TestFallbackStoreMissWithoutCreate(t *testing.T) {
	st := NewFallbackStore(&flakyStore{down: true}, nil)
	s, err := st.Get(context.Background(), "bot", "nobody", false)
	require.NoError(t, err)
	assert.Nil(t, s)
}
