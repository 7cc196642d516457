package modules

import "sync"

// Registry is a concurrency-safe map of module key to Module, mirroring
// deduper/hashmap.go's mutex-guarded map idiom. Modules self-register
// into DefaultRegistry from an init() func in their own package, which
// is the resolution recorded for spec §9's Open Question on module
// discovery: in-binary self-registration rather than Go's plugin
// package or an out-of-process RPC module host.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m to the registry, keyed by m.Key(). A later call with
// the same key overwrites the earlier one, which lets tests substitute
// fakes without needing a separate unregister step.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Key()] = m
}

// Lookup returns the module registered under key, if any.
func (r *Registry) Lookup(key string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[key]
	return m, ok
}

// Keys returns the registered module keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}
	return keys
}

// DefaultRegistry is the process-wide registry modules self-register
// into via their init() functions.
var DefaultRegistry = NewRegistry()

// Register adds m to DefaultRegistry.
func Register(m Module) {
	DefaultRegistry.Register(m)
}
