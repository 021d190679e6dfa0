package orchestrator

import (
	"fmt"
	"sync"

	"github.com/ent0n29/funnelbot/internal/session"
)

// Registry maps stages to handlers. It is filled at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[session.Stage]StageHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[session.Stage]StageHandler)}
}

func (r *Registry) Register(stage session.Stage, h StageHandler) error {
	if !stage.Valid() {
		return fmt.Errorf("register handler: unknown stage %q", stage)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %q", stage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stage] = h
	return nil
}

func (r *Registry) Lookup(stage session.Stage) (StageHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stage]
	return h, ok
}
