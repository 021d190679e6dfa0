package session

import "time"

// New builds a session in its default state.
func New(botID, contactID string, now time.Time) *ContactSession {
	return &ContactSession{
		BotID:     botID,
		ContactID: contactID,
		Stage:     StageGreet,
		Slots:     make(map[string]string),
		Context: Context{
			History: []HistoryEntry{},
			Asked:   make(map[string]time.Time),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// PushHistory appends an entry and evicts the oldest ones beyond limit.
func PushHistory(s *ContactSession, role Role, content string, limit int, now time.Time) {
	s.Context.History = append(s.Context.History, HistoryEntry{At: now, Role: role, Content: content})
	if limit > 0 && len(s.Context.History) > limit {
		drop := len(s.Context.History) - limit
		s.Context.History = append([]HistoryEntry(nil), s.Context.History[drop:]...)
	}
}

// CanAsk reports whether questionID was not asked within cooldown.
func CanAsk(s *ContactSession, questionID string, cooldown time.Duration, now time.Time) bool {
	at, ok := s.Context.Asked[questionID]
	if !ok {
		return true
	}
	return now.Sub(at) >= cooldown
}

func MarkAsked(s *ContactSession, questionID string, now time.Time) {
	if s.Context.Asked == nil {
		s.Context.Asked = make(map[string]time.Time)
	}
	s.Context.Asked[questionID] = now
}

// Clone returns a deep copy.
func Clone(s *ContactSession) *ContactSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Slots = make(map[string]string, len(s.Slots))
	for k, v := range s.Slots {
		c.Slots[k] = v
	}
	c.Context.History = append([]HistoryEntry(nil), s.Context.History...)
	c.Context.Asked = make(map[string]time.Time, len(s.Context.Asked))
	for k, v := range s.Context.Asked {
		c.Context.Asked[k] = v
	}
	return &c
}

// normalize repairs sessions decoded from storage.
func normalize(s *ContactSession) {
	s.Stage = NormalizeStage(string(s.Stage))
	if s.Slots == nil {
		s.Slots = make(map[string]string)
	}
	if s.Context.History == nil {
		s.Context.History = []HistoryEntry{}
	}
	if s.Context.Asked == nil {
		s.Context.Asked = make(map[string]time.Time)
	}
}
