package transport

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Builder is the function signature for creating a transport handle from a
// connect-options bag. Each adapter package provides one and registers it
// in its init.
type Builder func(ctx context.Context, opts *Options, log *slog.Logger) (Transport, error)

// Registry maps engine tags to their builders and capability descriptors.
type Registry struct {
	mu           sync.RWMutex
	builders     map[Engine]Builder
	capabilities map[Engine]Capabilities
}

// DefaultRegistry is the global engine registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[Engine]Builder),
		capabilities: make(map[Engine]Capabilities),
	}
}

// Register adds an engine builder with its capabilities.
func (r *Registry) Register(engine Engine, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[engine] = builder
	r.capabilities[engine] = caps
}

// Capabilities returns the descriptor for a registered engine; the zero
// value (with Name set) for an unknown one.
func (r *Registry) Capabilities(engine Engine) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[engine]; ok {
		return caps
	}
	return Capabilities{Name: string(engine)}
}

// Connect builds a transport handle for the engine. Misconfiguration fails
// fast with a Config error and an unreachable broker with a Connect error.
// The builders do not tell transient network failures from permanent ones:
// both come back as Connect errors, which Error.Recoverable reports as not
// recoverable; the caller's retry policy decides what to retry.
func (r *Registry) Connect(ctx context.Context, engine Engine, opts *Options, log *slog.Logger) (Transport, error) {
	r.mu.RLock()
	builder, ok := r.builders[engine]
	r.mu.RUnlock()
	if !ok {
		return nil, Errf(KindConfig, "engine %q is not registered (have: %v)", engine, r.Engines())
	}
	if opts == nil {
		opts = NewOptions()
	}
	return builder(ctx, opts, log)
}

// Engines lists the registered engine tags, sorted.
func (r *Registry) Engines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Engine, 0, len(r.builders))
	for e := range r.builders {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Register adds an engine to the default registry.
func Register(engine Engine, builder Builder, caps Capabilities) {
	DefaultRegistry.Register(engine, builder, caps)
}

// Connect builds a transport handle using the default registry.
func Connect(ctx context.Context, engine Engine, opts *Options, log *slog.Logger) (Transport, error) {
	return DefaultRegistry.Connect(ctx, engine, opts, log)
}

// EngineCapabilities returns the descriptor from the default registry.
func EngineCapabilities(engine Engine) Capabilities {
	return DefaultRegistry.Capabilities(engine)
}
