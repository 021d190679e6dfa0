package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   *ContactSession
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]*memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Get(_ context.Context, botID, contactID string, create bool) (*ContactSession, error) {
	key := Key(botID, contactID)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.sessions[key]
	if ok && !now.Before(e.expiresAt) {
		delete(m.sessions, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil, nil
		}
		e = &memoryEntry{session: New(botID, contactID, now)}
		m.sessions[key] = e
	}
	e.expiresAt = now.Add(m.ttl)
	return Clone(e.session), nil
}

func (m *MemoryStore) Save(_ context.Context, s *ContactSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c := Clone(s)
	c.UpdatedAt = now
	m.sessions[Key(s.BotID, s.ContactID)] = &memoryEntry{session: c, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Count returns the number of live sessions.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, e := range m.sessions {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// StartJanitor prunes expired sessions every interval until ctx ends.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	startJanitor(ctx, interval, func(context.Context) (int64, error) {
		return m.expire(), nil
	})
}

func (m *MemoryStore) expire() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key, e := range m.sessions {
		if !now.Before(e.expiresAt) {
			delete(m.sessions, key)
			n++
		}
	}
	return n
}
