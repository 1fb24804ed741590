package services

import (
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
)

// Session is the per-connection resource root. Every mutation of its
// transports or room happens with mu held, which serializes the signaling
// operations of one connection.
type Session struct {
	ID       domain.ConnectionID
	Identity domain.Identity

	mu         sync.Mutex
	transports map[domain.TransportRole]ports.Transport
	roomID     domain.RoomID
	closed     bool
}

func newSession(id domain.ConnectionID, identity domain.Identity) *Session {
	return &Session{
		ID:         id,
		Identity:   identity,
		transports: make(map[domain.TransportRole]ports.Transport, 2),
	}
}

// RoomID returns the room the connection is currently in, if any.
func (s *Session) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// TransportCount is the number of open transports owned by the session.
func (s *Session) TransportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports)
}

// transport must be called with mu held.
func (s *Session) transport(role domain.TransportRole) (ports.Transport, error) {
	t, ok := s.transports[role]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	return t, nil
}

type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[domain.ConnectionID]*Session)}
}

// Open registers a session. An existing session under the same id is
// returned unchanged with created=false.
func (r *SessionRegistry) Open(id domain.ConnectionID, identity domain.Identity) (sess *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, false
	}
	sess = newSession(id, identity)
	r.sessions[id] = sess
	return sess, true
}

func (r *SessionRegistry) Get(id domain.ConnectionID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionClosed
	}
	return sess, nil
}

func (r *SessionRegistry) Remove(id domain.ConnectionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
