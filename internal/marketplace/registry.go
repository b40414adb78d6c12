package marketplace

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps marketplace IDs to adapters. It is populated at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Register adds a, replacing any adapter with the same ID.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarketplace, id)
	}
	return a, nil
}

// IDs returns the registered marketplace IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadRegistry builds a registry from the built-in profiles, then applies
// profiles from dir. A profile in dir replaces the built-in with the same
// ID and leaves every other adapter untouched.
func LoadRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	builtin, err := BuiltinProfiles()
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, p := range builtin {
		r.Register(NewProfileAdapter(p))
	}

	extra, err := LoadProfileDir(dir)
	if err != nil {
		return nil, err
	}
	for _, p := range extra {
		_, replaced := r.adapters[p.ID]
		r.Register(NewProfileAdapter(p))
		logger.Info("marketplace profile loaded", "marketplace_id", p.ID, "dir", dir, "replaced_builtin", replaced)
	}
	return r, nil
}
