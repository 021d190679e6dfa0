package session

import (
	"context"
	"strings"
	"time"
)

// Stage is a step of the sales funnel.
type Stage string

const (
	StageGreet    Stage = "greet"
	StageQualify  Stage = "qualify"
	StageOffer    Stage = "offer"
	StageClose    Stage = "close"
	StagePostsale Stage = "postsale"
)

var successors = map[Stage]Stage{
	StageGreet:    StageQualify,
	StageQualify:  StageOffer,
	StageOffer:    StageClose,
	StageClose:    StagePostsale,
	StagePostsale: StagePostsale,
}

// Stages returns every stage in funnel order.
func Stages() []Stage {
	return []Stage{StageGreet, StageQualify, StageOffer, StageClose, StagePostsale}
}

// NormalizeStage maps an arbitrary label onto the closed stage set.
// Unknown labels become StageGreet.
func NormalizeStage(label string) Stage {
	s := Stage(strings.ToLower(strings.TrimSpace(label)))
	if _, ok := successors[s]; ok {
		return s
	}
	return StageGreet
}

// NextStage returns the default successor. StagePostsale is terminal.
func NextStage(s Stage) Stage {
	return successors[NormalizeStage(string(s))]
}

// Valid reports whether s is one of the declared stages.
func (s Stage) Valid() bool {
	_, ok := successors[s]
	return ok
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type HistoryEntry struct {
	At      time.Time `json:"ts"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
}

// Flags track the last exchange in each direction.
type Flags struct {
	LastInboundText  string    `json:"last_inbound_text,omitempty"`
	LastInboundAt    time.Time `json:"last_inbound_at"`
	LastOutboundText string    `json:"last_outbound_text,omitempty"`
	LastOutboundAt   time.Time `json:"last_outbound_at"`
	OpeningMediaSent bool      `json:"opening_media_sent,omitempty"`
}

type Context struct {
	History []HistoryEntry       `json:"history"`
	Asked   map[string]time.Time `json:"asked"`
}

// ContactSession is the conversational state of one contact with one bot.
type ContactSession struct {
	BotID     string            `json:"bot_id"`
	ContactID string            `json:"contact_id"`
	Stage     Stage             `json:"stage"`
	Slots     map[string]string `json:"slots"`
	Flags     Flags             `json:"flags"`
	Context   Context           `json:"context"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists contact sessions with a sliding TTL.
type Store interface {
	// Get returns the live session for the contact, refreshing its TTL. When
	// none exists and create is false it returns nil, nil.
	Get(ctx context.Context, botID, contactID string, create bool) (*ContactSession, error)
	Save(ctx context.Context, s *ContactSession) error
	Close() error
}

// Key is the storage key of a contact session.
func Key(botID, contactID string) string {
	return botID + ":" + contactID
}
