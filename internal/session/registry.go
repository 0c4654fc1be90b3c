package session

import (
	"errors"
	"net"
	"sync"
)

// ErrUsernameTaken is returned by Register when another live session already
// holds the requested username.
var ErrUsernameTaken = errors.New("username is already taken")

// Registry is the mutex-guarded map of live sessions. It is shared between
// the dispatch loop and the retransmission sweep; never ambient global state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // identities in registration order, for Usernames
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Provisional returns the session for an identity, creating an
// unauthenticated one if needed. Provisional sessions exist only to carry the
// authentication handshake; they are promoted by Register or dropped.
func (r *Registry) Provisional(identity string, addr net.Addr) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[identity]; ok {
		return s
	}
	s := newSession(identity, addr)
	r.sessions[identity] = s
	r.order = append(r.order, identity)
	return s
}

// Register promotes (or creates) the session for identity with the given
// username. It fails with ErrUsernameTaken if any live session already holds
// the name — the first holder is never evicted.
func (r *Registry) Register(identity string, addr net.Addr, username string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Identity() != identity && s.Username() == username {
			return nil, ErrUsernameTaken
		}
	}
	s, ok := r.sessions[identity]
	if !ok {
		s = newSession(identity, addr)
		r.sessions[identity] = s
		r.order = append(r.order, identity)
	}
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	return s, nil
}

// Lookup returns the session for an identity.
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// ByUsername returns the authenticated session holding the given username.
func (r *Registry) ByUsername(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		s := r.sessions[id]
		if s != nil && s.Username() == username {
			return s, true
		}
	}
	return nil, false
}

// Remove deletes the session for an identity and returns its username for
// downstream "user left" notifications. Removing an unknown identity is a
// no-op, not an error.
func (r *Registry) Remove(identity string) (username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if !ok {
		return "", false
	}
	delete(r.sessions, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return s.Username(), true
}

// Usernames returns the live usernames in registration order. Provisional
// sessions are skipped.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if s := r.sessions[id]; s != nil {
			if name := s.Username(); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// Sessions returns a snapshot of all live sessions in registration order.
// The sweep and the broadcast notifier iterate this snapshot so the registry
// lock is not held across network writes.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s := r.sessions[id]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of live sessions, provisional ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
