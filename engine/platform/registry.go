package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the enabled adapter for each platform id. Adapters register
// at process startup; a second registration for the same id is a startup
// error, not a silent override. The registry also tracks adapters disabled
// at runtime (expired credentials) so the dispatcher can skip them without
// dropping queued work.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	disabled map[string]string // platform id -> reason
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		disabled: make(map[string]string),
	}
}

// Register adds an adapter. It fails when the id is empty or already taken.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("platform: adapter is required")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("platform: adapter id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[id]; ok {
		return fmt.Errorf("platform: adapter %q already registered as %q", id, existing.DisplayName())
	}
	r.adapters[id] = a
	return nil
}

// Resolve returns the enabled adapter for the platform id. It fails when the
// platform is unknown or currently disabled.
func (r *Registry) Resolve(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("platform: no adapter registered for %q", id)
	}
	if reason, off := r.disabled[id]; off {
		return nil, fmt.Errorf("platform: adapter %q disabled: %s", id, reason)
	}
	return a, nil
}

// Disable marks the adapter as unusable until Enable is called. Queued work
// for the platform stays queued; the dispatcher simply stops leasing it.
func (r *Registry) Disable(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; ok {
		r.disabled[id] = reason
	}
}

// Enable clears a Disable.
func (r *Registry) Enable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, id)
}

// Disabled reports whether the adapter is currently disabled.
func (r *Registry) Disabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[id]
	return off
}

// DisabledIDs returns the currently disabled platform ids in sorted order.
// The dispatcher passes them to the queue lease so disabled platforms' work
// stays queued.
func (r *Registry) DisabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.disabled))
	for id := range r.disabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDs returns the registered platform ids in sorted order.
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
