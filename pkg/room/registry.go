package room

import (
	"sync"

	"p2pcall/pkg/signal"

	"github.com/pkg/errors"
)

// Registry holds the live calls of this process, at most one per room.
type Registry struct {
	mx       sync.Mutex
	sessions map[string]*CallSession
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*CallSession),
	}
}

func (r *Registry) Get(roomID string) (*CallSession, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.sessions[roomID]

	return s, ok
}

func (r *Registry) All() []*CallSession {
	r.mx.Lock()
	defer r.mx.Unlock()

	all := make([]*CallSession, 0, len(r.sessions))

	for _, s := range r.sessions {
		all = append(all, s)
	}

	return all
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	return len(r.sessions)
}

func (r *Registry) add(s *CallSession) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if existing, ok := r.sessions[s.roomID]; ok {
		return errors.Wrapf(signal.ErrRoomConflict, "already in room %q as %s", s.roomID, existing.role)
	}

	r.sessions[s.roomID] = s

	return nil
}

func (r *Registry) remove(s *CallSession) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.sessions[s.roomID] == s {
		delete(r.sessions, s.roomID)
	}
}
