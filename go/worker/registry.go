package worker

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc is the unit of work a task invokes. Handlers receive the
// positional and keyword arguments carried by the task's call spec, and
// return a result value the codec must be able to encode. A handler error
// or panic is recorded as a failed task outcome, never as a worker fault.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps handler names to their implementations. Registration
// typically happens at process start-up; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a named handler. It panics on an empty name, a nil handler,
// or a duplicate registration, which are programmer errors.
func (r *Registry) Register(name string, fn HandlerFunc) {
	if name == "" {
		panic("worker: handler name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("worker: handler %q must not be nil", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[name]; ok {
		panic(fmt.Sprintf("worker: handler %q is already registered", name))
	}
	r.handlers[name] = fn
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fn, ok = r.handlers[name]
	return fn, ok
}
