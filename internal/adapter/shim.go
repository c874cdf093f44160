package adapter

import (
	"context"
	"sync"

	"github.com/ashita-ai/tejun/internal/model"
)

// Shim is the no-op invoker used for dry-run and shadow runs. It records the
// would-be invocation and synthesizes a successful output without touching
// any effector. Definitions still come from the real registry so schema
// validation and classification checks behave identically.
type Shim struct {
	registry *Registry

	mu      sync.Mutex
	intents []model.PlannedStep
}

// NewShim wraps a registry.
func NewShim(registry *Registry) *Shim {
	return &Shim{registry: registry}
}

// Lookup delegates to the wrapped registry.
func (s *Shim) Lookup(tool string) (*Definition, bool) {
	return s.registry.Lookup(tool)
}

// Invoke validates args, records the intent, and returns a synthesized
// "would have invoked" output. No external call is made.
func (s *Shim) Invoke(ctx context.Context, tool string, args map[string]any, ictx InvocationContext) Result {
	def, ok := s.registry.Lookup(tool)
	if !ok {
		return Failure(ErrValidationFailed, "unknown tool "+tool)
	}
	if v := def.Schema.Validate(args); v != nil {
		return Failure(ErrValidationFailed, v.String())
	}

	s.mu.Lock()
	s.intents = append(s.intents, model.PlannedStep{Tool: tool, Args: args})
	s.mu.Unlock()

	return Result{
		OK: true,
		Output: map[string]any{
			"would_invoke": tool,
			"args":         args,
		},
		Usage: model.Usage{},
	}
}

// Intents returns the recorded invocation list in call order.
func (s *Shim) Intents() []model.PlannedStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PlannedStep, len(s.intents))
	copy(out, s.intents)
	return out
}
