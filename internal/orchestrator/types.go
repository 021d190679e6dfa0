package orchestrator

import (
	"context"
	"time"

	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/session"
)

// NudgeText is sent when neither the stage handler nor the fallback provider
// produce a reply.
const NudgeText = "Could you tell me a little more so I can help you?"

// Metadata keys attached to every outgoing action.
const (
	MetaBotID      = "bot_id"
	MetaTurnID     = "turn_id"
	MetaStage      = "stage"
	MetaVariant    = "variant"
	MetaProvenance = "provenance"
)

// Provenance values.
const (
	ProvenanceHandler      = "handler"
	ProvenanceFallback     = "fallback"
	ProvenanceNudge        = "nudge"
	ProvenanceOpeningMedia = "opening_media"
)

// Turn outcomes.
const (
	OutcomeReplied      = "replied"
	OutcomeDroppedLock  = "dropped_lock"
	OutcomeDebounced    = "debounced"
	OutcomeDeduped      = "deduped"
	OutcomeSessionError = "session_error"
	OutcomeInvalid      = "invalid"
)

// OutgoingAction is one message the orchestrator decided to send.
type OutgoingAction struct {
	Destination string            `json:"destination"`
	Kind        outbox.Kind       `json:"kind"`
	Payload     outbox.Payload    `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
}

// Job converts the action into an outbox job.
func (a OutgoingAction) Job() outbox.Job {
	meta := make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	return outbox.Job{
		Destination: a.Destination,
		Kind:        a.Kind,
		Payload:     a.Payload,
		Metadata:    meta,
	}
}

// Publisher accepts outbound jobs.
type Publisher interface {
	Publish(ctx context.Context, job outbox.Job) error
}

// HandlerResult is what a stage handler decided. An empty Reply means no
// output; an empty NextStage means the default successor.
type HandlerResult struct {
	Reply     string
	NextStage string
}

// HandlerInput is handed to a stage handler. Slots and asked questions may be
// changed; the changes are kept only when the handler returns without error
// before its deadline. A handler never touches the live session.
type HandlerInput struct {
	Settings  map[string]string
	Outbox    Publisher
	ContactID string
	Slots     map[string]string
	Text      string
	Stage     session.Stage
	Variant   string

	draft    *session.ContactSession
	cooldown time.Duration
	now      time.Time
}

// CanAsk reports whether questionID is out of its ask cooldown.
func (in *HandlerInput) CanAsk(questionID string) bool {
	if in.draft == nil {
		return true
	}
	return session.CanAsk(in.draft, questionID, in.cooldown, in.now)
}

// MarkAsked records that questionID was asked this turn.
func (in *HandlerInput) MarkAsked(questionID string) {
	if in.draft == nil {
		return
	}
	session.MarkAsked(in.draft, questionID, in.now)
}

// StageHandler runs the business logic of one funnel stage.
type StageHandler interface {
	Handle(ctx context.Context, in *HandlerInput) (*HandlerResult, error)
}

type HandlerFunc func(ctx context.Context, in *HandlerInput) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, in *HandlerInput) (*HandlerResult, error) {
	return f(ctx, in)
}

type FallbackInput struct {
	Stage     session.Stage
	Settings  map[string]string
	ContactID string
}

// FallbackProvider supplies stage-scoped text when a handler produced none.
type FallbackProvider interface {
	FallbackText(ctx context.Context, in FallbackInput) (string, bool)
}

type FallbackFunc func(ctx context.Context, in FallbackInput) (string, bool)

func (f FallbackFunc) FallbackText(ctx context.Context, in FallbackInput) (string, bool) {
	return f(ctx, in)
}

// TurnReport describes one Handle call for metrics.
type TurnReport struct {
	BotID          string
	ContactID      string
	TurnID         string
	Outcome        string
	Stage          session.Stage
	NextStage      session.Stage
	Variant        string
	Provenance     string
	HandlerLatency time.Duration
	Total          time.Duration
}

// Collector receives a report after every turn. It is called off the request
// path and must not block for long.
type Collector interface {
	Record(ctx context.Context, actions []OutgoingAction, turn TurnReport)
}
