package session

import "sync"

// Factory builds the orchestrator for a user on first access.
type Factory func(userID string) (*Orchestrator, error)

// Registry maps each user to their single orchestrator. Creation is
// serialized per user so concurrent first requests never race two
// orchestrators into existence.
type Registry struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Orchestrator
	factory  Factory
}

// NewRegistry creates a registry around a factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]*Orchestrator),
		factory:  factory,
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lk, ok := r.locks[userID]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[userID] = lk
	}
	return lk
}

// GetOrCreate returns the user's orchestrator, building it on first use.
func (r *Registry) GetOrCreate(userID string) (*Orchestrator, error) {
	lk := r.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	existing, ok := r.sessions[userID]
	r.mu.Unlock()
	if ok {
		return existing, nil
	}

	orch, err := r.factory(userID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[userID] = orch
	r.mu.Unlock()
	return orch, nil
}

// Get returns the user's orchestrator if one exists.
func (r *Registry) Get(userID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.sessions[userID]
	return orch, ok
}

// Invalidate tears down the user's orchestrator. The next access builds a
// fresh one.
func (r *Registry) Invalidate(userID string) {
	lk := r.userLock(userID)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	orch, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if ok {
		orch.ResetConversation()
	}
}
