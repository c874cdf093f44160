package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Invoker is what the executor calls. The real registry and the shadow shim
// both satisfy it.
type Invoker interface {
	Lookup(tool string) (*Definition, bool)
	Invoke(ctx context.Context, tool string, args map[string]any, ictx InvocationContext) Result
}

// Registry maps dotted tool ids to adapter definitions. It is populated at
// startup and frozen before the first executor starts; after Freeze every
// mutation panics.
type Registry struct {
	mu             sync.RWMutex
	frozen         bool
	adapters       map[string]*Definition
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Definition)}
}

// WithDefaultTimeout overrides the wall-clock budget for definitions that
// leave Timeout zero. Must be called before Freeze.
func (r *Registry) WithDefaultTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("adapter: WithDefaultTimeout after Freeze")
	}
	r.defaultTimeout = d
	return r
}

// Register adds a definition. Duplicate tool ids and registration after
// Freeze are programming errors.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("adapter: Register after Freeze")
	}
	if def.Tool == "" || def.Invoke == nil {
		return fmt.Errorf("adapter: definition needs tool id and invoke func")
	}
	if _, exists := r.adapters[def.Tool]; exists {
		return fmt.Errorf("adapter: duplicate tool %q", def.Tool)
	}
	if def.CompensationTool == def.Tool {
		return fmt.Errorf("adapter: tool %q compensates itself", def.Tool)
	}
	r.adapters[def.Tool] = def
	return nil
}

// Freeze marks the registry read-only. Executors must only see a frozen
// registry.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the definition for a tool id.
func (r *Registry) Lookup(tool string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.adapters[tool]
	return def, ok
}

// Tools returns the registered tool ids in sorted order (the planner's tool
// catalog).
func (r *Registry) Tools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for tool := range r.adapters {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// Invoke validates args against the adapter schema, then calls the adapter
// under its wall-clock budget. A context deadline hit inside the call is
// surfaced as a timeout error value, never as a Go error.
func (r *Registry) Invoke(ctx context.Context, tool string, args map[string]any, ictx InvocationContext) Result {
	def, ok := r.Lookup(tool)
	if !ok {
		return Failure(ErrValidationFailed, fmt.Sprintf("unknown tool %q", tool))
	}
	if v := def.Schema.Validate(args); v != nil {
		return Failure(ErrValidationFailed, v.String())
	}

	budget := def.EffectiveTimeout()
	if def.Timeout == 0 && r.defaultTimeout > 0 {
		budget = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	res := def.Invoke(callCtx, args, ictx)
	if res.Usage.WallMS == 0 {
		res.Usage.WallMS = time.Since(start).Milliseconds()
	}

	if callCtx.Err() != nil && res.Err == nil && !res.OK {
		return Result{
			Usage: res.Usage,
			Err:   &Error{Kind: ErrTimeout, Message: "adapter deadline exceeded"},
		}
	}
	return res
}
