// Package funnel provides the default stage handlers. Copy lives in settings,
// so the handlers only decide which template to use and which slots to fill.
//
// Settings keys:
//
//	reply_<stage>            reply template for a stage
//	reply_<stage>_<variant>  variant-specific override
//	ask_name                 appended on greet while the name is unknown
//	fallback_<stage>         fallback text for a stage
//	fallback                 fallback text for any stage
//
// Templates may reference {name}.
package funnel

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/funnelbot/internal/orchestrator"
	"github.com/ent0n29/funnelbot/internal/session"
)

const (
	SlotName     = "name"
	QuestionName = "name"

	maxNameRunes = 40
)

// Script is a settings-driven handler for one stage.
type Script struct {
	Stage session.Stage
}

// Register installs a Script for every stage.
func Register(r *orchestrator.Registry) error {
	for _, st := range session.Stages() {
		if err := r.Register(st, Script{Stage: st}); err != nil {
			return fmt.Errorf("register %s script: %w", st, err)
		}
	}
	return nil
}

func (s Script) Handle(_ context.Context, in *orchestrator.HandlerInput) (*orchestrator.HandlerResult, error) {
	// The contact is answering the name question asked on a previous turn.
	if in.Slots[SlotName] == "" && s.Stage != session.StageGreet && !in.CanAsk(QuestionName) {
		if name := cleanName(in.Text); name != "" {
			in.Slots[SlotName] = name
		}
	}

	tmpl := lookup(in.Settings, "reply_"+string(s.Stage), in.Variant)
	if tmpl == "" {
		return nil, nil
	}
	reply := render(tmpl, in.Slots)

	if s.Stage == session.StageGreet && in.Slots[SlotName] == "" && in.CanAsk(QuestionName) {
		if ask := strings.TrimSpace(in.Settings["ask_name"]); ask != "" {
			reply = reply + " " + ask
			in.MarkAsked(QuestionName)
		}
	}
	return &orchestrator.HandlerResult{Reply: reply}, nil
}

// Fallback serves fallback_<stage>, then fallback.
type Fallback struct{}

func (Fallback) FallbackText(_ context.Context, in orchestrator.FallbackInput) (string, bool) {
	if text := strings.TrimSpace(in.Settings["fallback_"+string(in.Stage)]); text != "" {
		return text, true
	}
	text := strings.TrimSpace(in.Settings["fallback"])
	return text, text != ""
}

func lookup(settings map[string]string, key, variantID string) string {
	if v := strings.ToLower(strings.TrimSpace(variantID)); v != "" {
		if text := strings.TrimSpace(settings[key+"_"+v]); text != "" {
			return text
		}
	}
	return strings.TrimSpace(settings[key])
}

func render(tmpl string, slots map[string]string) string {
	out := strings.ReplaceAll(tmpl, "{name}", slots[SlotName])
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	out = strings.ReplaceAll(out, " ,", ",")
	out = strings.ReplaceAll(out, " !", "!")
	return strings.TrimSpace(out)
}

func cleanName(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > maxNameRunes {
		return ""
	}
	return text
}
