package telephony

import (
	"errors"
	"sort"
	"sync"
)

// ErrModuleDisabled is returned when a link names a module that is not
// registered or not allowed.
var ErrModuleDisabled = errors.New("telephony module not available")

// Registry holds the modules known to the process. When an allow-list is
// set, only the modules it names are handed out.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	allowed map[string]bool
}

// NewRegistry creates a registry. An empty allow list allows every module.
func NewRegistry(allow ...string) *Registry {
	r := &Registry{modules: make(map[string]Module)}
	if len(allow) > 0 {
		r.allowed = make(map[string]bool, len(allow))
		for _, name := range allow {
			r.allowed[name] = true
		}
	}
	return r
}

func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Name()] = m
}

// Get returns the named module, or nil when it is absent or disabled.
func (r *Registry) Get(name string) Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allowed != nil && !r.allowed[name] {
		return nil
	}
	return r.modules[name]
}

// Lookup is Get with an error for missing modules.
func (r *Registry) Lookup(name string) (Module, error) {
	if m := r.Get(name); m != nil {
		return m, nil
	}
	return nil, ErrModuleDisabled
}

// Names returns the usable module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name := range r.modules {
		if r.allowed == nil || r.allowed[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
