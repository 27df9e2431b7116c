package polling

import (
	"errors"
	"sync"
)

// ErrSessionExists is returned when a job already has an active session.
var ErrSessionExists = errors.New("a status watch is already active for this job")

// Registry tracks the active session per job id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// DefaultRegistry is shared by sessions created without WithRegistry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) acquire(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.jobID]; ok && cur != s {
		return ErrSessionExists
	}
	r.sessions[s.jobID] = s
	return nil
}

func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.jobID] == s {
		delete(r.sessions, s.jobID)
	}
}
