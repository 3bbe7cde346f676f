package terminal

import (
	"sync"
	"time"
)

// registry tracks open sessions keyed by id, bounded overall and per owner.
// When an owner exceeds their per-owner limit the oldest session is evicted
// and closed.
type registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxTotal    int
	maxPerOwner int
}

func newRegistry(maxTotal, maxPerOwner int) *registry {
	return &registry{
		sessions:    make(map[string]*Session),
		maxTotal:    maxTotal,
		maxPerOwner: maxPerOwner,
	}
}

// add registers a session and returns any sessions evicted to make room.
// Callers close evicted sessions outside the lock.
func (r *registry) add(s *Session) (evicted []*Session, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxTotal > 0 && len(r.sessions) >= r.maxTotal {
		if victim := r.oldestLocked(""); victim != nil {
			delete(r.sessions, victim.ID)
			evicted = append(evicted, victim)
		} else {
			return nil, false
		}
	}

	if r.maxPerOwner > 0 && r.countOwnerLocked(s.OwnerID) >= r.maxPerOwner {
		if victim := r.oldestLocked(s.OwnerID); victim != nil {
			delete(r.sessions, victim.ID)
			evicted = append(evicted, victim)
		}
	}

	r.sessions[s.ID] = s
	return evicted, true
}

func (r *registry) get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *registry) remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// removeOwner detaches and returns all of an owner's sessions
func (r *registry) removeOwner(ownerID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for id, s := range r.sessions {
		if s.OwnerID == ownerID {
			out = append(out, s)
			delete(r.sessions, id)
		}
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *registry) countOwnerLocked(ownerID string) int {
	n := 0
	for _, s := range r.sessions {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// oldestLocked returns the oldest session, optionally filtered by owner
func (r *registry) oldestLocked(ownerID string) *Session {
	var oldest *Session
	var oldestAt time.Time
	for _, s := range r.sessions {
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		if oldest == nil || s.OpenedAt.Before(oldestAt) {
			oldest = s
			oldestAt = s.OpenedAt
		}
	}
	return oldest
}
