// Package orchestrator turns one inbound contact message into zero or more
// outgoing actions. A turn is admitted by the per-contact gate, debounced,
// routed to the stage handler, deduplicated, persisted and handed to the
// outbox. Handle never fails the caller; every error degrades into dropping
// the turn or into fallback text.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/funnelbot/internal/lock"
	"github.com/ent0n29/funnelbot/internal/outbox"
	"github.com/ent0n29/funnelbot/internal/policy"
	"github.com/ent0n29/funnelbot/internal/session"
	"github.com/ent0n29/funnelbot/internal/variant"
)

// Config holds the per-bot turn settings.
type Config struct {
	BotID             string
	Settings          map[string]string
	LockWindow        time.Duration
	DebounceWindow    time.Duration
	ReplyDedupeWindow time.Duration
	HistoryCap        int
	AskCooldown       time.Duration
	HandlerTimeout    time.Duration
	OpeningMediaURL   string
}

// Deps are the collaborators of an Orchestrator. Fallback and Collector are
// optional.
type Deps struct {
	Sessions  session.Store
	Gate      lock.Gate
	Router    *variant.Router
	Registry  *Registry
	Fallback  FallbackProvider
	Outbox    Publisher
	Collector Collector
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if strings.TrimSpace(cfg.BotID) == "" {
		cfg.BotID = "default"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 20 * time.Second
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Router == nil {
		deps.Router = variant.NewRouter("", nil)
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// BotID returns the bot this orchestrator serves.
func (o *Orchestrator) BotID() string {
	return o.cfg.BotID
}

// Handle processes one inbound message and returns the actions that were
// produced. A nil result means the turn was dropped.
func (o *Orchestrator) Handle(ctx context.Context, contactID, text string) []OutgoingAction {
	start := o.now()
	contactID = strings.TrimSpace(contactID)
	text = strings.TrimSpace(text)
	report := TurnReport{
		BotID:     o.cfg.BotID,
		ContactID: contactID,
		TurnID:    uuid.NewString(),
	}
	var actions []OutgoingAction
	defer func() {
		report.Total = o.now().Sub(start)
		o.record(ctx, actions, report)
	}()

	if contactID == "" {
		report.Outcome = OutcomeInvalid
		return nil
	}
	key := session.Key(o.cfg.BotID, contactID)

	acquired, err := o.deps.Gate.TryAcquire(ctx, key, o.cfg.LockWindow)
	if err != nil {
		// The gate already degrades to an in-process gate; an error here
		// means both failed and admitting is the lesser harm.
		slog.Warn("orchestrator: lock unavailable, admitting turn", "contact", policy.MaskIdentity(contactID), "error", err)
		acquired = true
	}
	if !acquired {
		report.Outcome = OutcomeDroppedLock
		slog.Debug("orchestrator: turn dropped by lock", "contact", policy.MaskIdentity(contactID))
		return nil
	}

	sess, err := o.deps.Sessions.Get(ctx, o.cfg.BotID, contactID, true)
	if err != nil || sess == nil {
		report.Outcome = OutcomeSessionError
		slog.Error("orchestrator: load session failed", "contact", policy.MaskIdentity(contactID), "error", err)
		return nil
	}

	now := o.now()
	if o.isDebounced(sess, text, now) {
		report.Outcome = OutcomeDebounced
		report.Stage = session.NormalizeStage(string(sess.Stage))
		report.NextStage = report.Stage
		return nil
	}
	sess.Flags.LastInboundText = text
	sess.Flags.LastInboundAt = now
	session.PushHistory(sess, session.RoleUser, text, o.cfg.HistoryCap, now)

	stage := session.NormalizeStage(string(sess.Stage))
	variantID := o.deps.Router.Pick(contactID)
	report.Stage = stage
	report.Variant = variantID

	// The handler works on a draft. A handler that outlives its deadline keeps
	// writing to the draft only, never to sess.
	draft := session.Clone(sess)
	in := &HandlerInput{
		Settings:  o.cfg.Settings,
		Outbox:    o.deps.Outbox,
		ContactID: contactID,
		Slots:     draft.Slots,
		Text:      text,
		Stage:     stage,
		Variant:   variantID,
		draft:     draft,
		cooldown:  o.cfg.AskCooldown,
		now:       now,
	}
	handlerStart := o.now()
	result, err := o.invoke(ctx, stage, in)
	report.HandlerLatency = o.now().Sub(handlerStart)
	if err != nil {
		slog.Warn("orchestrator: stage handler failed", "contact", policy.MaskIdentity(contactID), "stage", stage, "error", err)
		result = nil
	} else {
		commitDraft(sess, in)
	}

	reply, provenance := o.resolveReply(ctx, stage, contactID, result)
	next := session.NextStage(stage)
	if result != nil && strings.TrimSpace(result.NextStage) != "" {
		next = session.NormalizeStage(result.NextStage)
	}
	report.NextStage = next
	report.Provenance = provenance

	meta := func(prov string) map[string]string {
		return map[string]string{
			MetaBotID:      o.cfg.BotID,
			MetaTurnID:     report.TurnID,
			MetaStage:      string(stage),
			MetaVariant:    variantID,
			MetaProvenance: prov,
		}
	}

	prevFlags := sess.Flags
	mediaIdx, replyIdx := -1, -1
	if stage == session.StageGreet && o.cfg.OpeningMediaURL != "" && !sess.Flags.OpeningMediaSent {
		mediaIdx = len(actions)
		actions = append(actions, OutgoingAction{
			Destination: contactID,
			Kind:        outbox.KindImage,
			Payload:     outbox.Payload{URL: o.cfg.OpeningMediaURL},
			Metadata:    meta(ProvenanceOpeningMedia),
		})
		sess.Flags.OpeningMediaSent = true
	}

	deduped := o.isDuplicateReply(sess, reply, now)
	if !deduped {
		replyIdx = len(actions)
		actions = append(actions, OutgoingAction{
			Destination: contactID,
			Kind:        outbox.KindText,
			Payload:     outbox.Payload{Text: reply},
			Metadata:    meta(provenance),
		})
		sess.Flags.LastOutboundText = reply
		sess.Flags.LastOutboundAt = now
		session.PushHistory(sess, session.RoleAssistant, reply, o.cfg.HistoryCap, now)
	}
	sess.Stage = next
	sess.UpdatedAt = now

	if err := o.deps.Sessions.Save(ctx, sess); err != nil {
		slog.Error("orchestrator: save session failed", "contact", policy.MaskIdentity(contactID), "error", err)
	}

	published := o.publish(ctx, contactID, actions)
	changed := false
	if mediaIdx >= 0 && !published[mediaIdx] {
		sess.Flags.OpeningMediaSent = prevFlags.OpeningMediaSent
		changed = true
	}
	if replyIdx >= 0 && !published[replyIdx] {
		sess.Flags.LastOutboundText = prevFlags.LastOutboundText
		sess.Flags.LastOutboundAt = prevFlags.LastOutboundAt
		dropLastReply(sess, reply)
		changed = true
	}
	if changed {
		// The markers describe what reached the outbox; a failed publish must
		// not suppress the next identical reply.
		if err := o.deps.Sessions.Save(ctx, sess); err != nil {
			slog.Error("orchestrator: save session failed", "contact", policy.MaskIdentity(contactID), "error", err)
		}
	}

	switch {
	case len(actions) > 0:
		report.Outcome = OutcomeReplied
	default:
		report.Outcome = OutcomeDeduped
	}
	return actions
}

func (o *Orchestrator) isDebounced(sess *session.ContactSession, text string, now time.Time) bool {
	if o.cfg.DebounceWindow <= 0 || sess.Flags.LastInboundAt.IsZero() {
		return false
	}
	return sess.Flags.LastInboundText == text && now.Sub(sess.Flags.LastInboundAt) < o.cfg.DebounceWindow
}

func (o *Orchestrator) isDuplicateReply(sess *session.ContactSession, reply string, now time.Time) bool {
	if o.cfg.ReplyDedupeWindow <= 0 || sess.Flags.LastOutboundAt.IsZero() {
		return false
	}
	return sess.Flags.LastOutboundText == reply && now.Sub(sess.Flags.LastOutboundAt) < o.cfg.ReplyDedupeWindow
}

// invoke runs the stage handler under the handler timeout. Panics and
// timeouts are reported as errors.
func (o *Orchestrator) invoke(ctx context.Context, stage session.Stage, in *HandlerInput) (result *HandlerResult, err error) {
	h, ok := o.deps.Registry.Lookup(stage)
	if !ok {
		return nil, fmt.Errorf("no handler for stage %q", stage)
	}

	hctx, cancel := context.WithTimeout(ctx, o.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result *HandlerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Handle(hctx, in)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && hctx.Err() != nil {
			return nil, fmt.Errorf("handler exceeded %s: %w", o.cfg.HandlerTimeout, hctx.Err())
		}
		return out.result, out.err
	case <-hctx.Done():
		return nil, fmt.Errorf("handler exceeded %s: %w", o.cfg.HandlerTimeout, hctx.Err())
	}
}

func (o *Orchestrator) resolveReply(ctx context.Context, stage session.Stage, contactID string, result *HandlerResult) (string, string) {
	if result != nil {
		if reply := strings.TrimSpace(result.Reply); reply != "" {
			return reply, ProvenanceHandler
		}
	}
	if o.deps.Fallback != nil {
		text, ok := o.deps.Fallback.FallbackText(ctx, FallbackInput{
			Stage:     stage,
			Settings:  o.cfg.Settings,
			ContactID: contactID,
		})
		if text = strings.TrimSpace(text); ok && text != "" {
			return text, ProvenanceFallback
		}
	}
	return NudgeText, ProvenanceNudge
}

func (o *Orchestrator) record(ctx context.Context, actions []OutgoingAction, report TurnReport) {
	if o.deps.Collector == nil {
		return
	}
	snapshot := append([]OutgoingAction(nil), actions...)
	rctx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("orchestrator: collector panic", "panic", r)
			}
		}()
		o.deps.Collector.Record(rctx, snapshot, report)
	}()
}

// publish submits every action and reports which ones were accepted. Without
// an outbox the caller delivers the returned actions itself, so every action
// counts as published.
func (o *Orchestrator) publish(ctx context.Context, contactID string, actions []OutgoingAction) []bool {
	published := make([]bool, len(actions))
	for i, a := range actions {
		if o.deps.Outbox == nil {
			published[i] = true
			continue
		}
		if err := o.deps.Outbox.Publish(ctx, a.Job()); err != nil {
			slog.Error("orchestrator: publish failed", "contact", policy.MaskIdentity(contactID), "kind", a.Kind, "error", err)
			continue
		}
		published[i] = true
	}
	return published
}

// commitDraft adopts the handler's slot and asked-question changes. It runs
// only after the handler goroutine has returned.
func commitDraft(sess *session.ContactSession, in *HandlerInput) {
	slots := in.Slots
	if slots == nil {
		slots = make(map[string]string)
	}
	sess.Slots = slots
	sess.Context.Asked = in.draft.Context.Asked
}

func dropLastReply(sess *session.ContactSession, reply string) {
	h := sess.Context.History
	if n := len(h); n > 0 && h[n-1].Role == session.RoleAssistant && h[n-1].Content == reply {
		sess.Context.History = h[:n-1]
	}
}
