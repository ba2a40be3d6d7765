package server

import "sync"

// Registry maps endpoints to their live sessions
type Registry struct {
	mu       sync.RWMutex
	sessions map[Endpoint]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Endpoint]*Session),
	}
}

// Add registers a session. It returns false if the endpoint already has one.
func (r *Registry) Add(ep Endpoint, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[ep]; exists {
		return false
	}
	r.sessions[ep] = sess
	return true
}

// Remove unregisters the endpoint. Removing an unknown endpoint returns false.
func (r *Registry) Remove(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[ep]; !exists {
		return false
	}
	delete(r.sessions, ep)
	return true
}

// Get returns the session registered for the endpoint
func (r *Registry) Get(ep Endpoint) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[ep]
	return sess, ok
}

// Snapshot returns all registered sessions in no particular order
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
