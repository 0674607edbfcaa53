package cam

import "sync"

// Registry allows one active Manager per process. main owns the registry
// and passes it where the active manager is needed.
type Registry struct {
	mu     sync.Mutex
	active *Manager
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewManager creates a Manager and registers it as the active one. It fails
// with AlreadyInitialized until the previous manager is finalized.
func (r *Registry) NewManager(crypto CryptoManager, opts ...Option) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, &Error{Code: AlreadyInitialized}
	}
	m := New(crypto, opts...)
	m.registry = r
	r.active = m
	return m, nil
}

// Active returns the registered manager or nil.
func (r *Registry) Active() *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Release unregisters m if it is the active manager.
func (r *Registry) Release(m *Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == m {
		r.active = nil
	}
}
