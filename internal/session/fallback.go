package session

import (
	"context"
	"log/slog"
	"time"
)

// FallbackStore uses primary and degrades to an in-process store when primary
// errors. Sessions read from or written to primary are mirrored into the
// fallback, so a backend outage continues from the last state this process saw.
type FallbackStore struct {
	primary  Store
	fallback *MemoryStore
}

func NewFallbackStore(primary Store, fallback *MemoryStore) *FallbackStore {
	if fallback == nil {
		fallback = NewMemoryStore(0)
	}
	return &FallbackStore{primary: primary, fallback: fallback}
}

func (f *FallbackStore) Get(ctx context.Context, botID, contactID string, create bool) (*ContactSession, error) {
	s, err := f.primary.Get(ctx, botID, contactID, create)
	if err == nil {
		if s != nil {
			_ = f.fallback.Save(ctx, s)
		}
		return s, nil
	}
	slog.Warn("session: shared store unavailable, using in-process store", "key", Key(botID, contactID), "error", err)
	return f.fallback.Get(ctx, botID, contactID, create)
}

func (f *FallbackStore) Save(ctx context.Context, s *ContactSession) error {
	if err := f.primary.Save(ctx, s); err != nil {
		slog.Warn("session: shared store unavailable, saving in-process", "key", Key(s.BotID, s.ContactID), "error", err)
	}
	return f.fallback.Save(ctx, s)
}

// StartJanitor prunes both stores every interval until ctx ends.
func (f *FallbackStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if j, ok := f.primary.(Janitor); ok {
		j.StartJanitor(ctx, interval)
	}
	f.fallback.StartJanitor(ctx, interval)
}

func (f *FallbackStore) Close() error {
	return f.primary.Close()
}
