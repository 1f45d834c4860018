// Package session keeps the authoritative table of live connections.
package session

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/andy6609/roomchat-server/internal/room"
)

// Handle is the transport endpoint a session owns. The registry never calls
// Close; whoever wins Remove does.
type Handle interface {
	io.Closer
}

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateNamed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateNamed:
		return "named"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a point-in-time copy of one connection's state.
type Session struct {
	ID           int64
	Handle       Handle
	Name         string
	State        State
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time
	Messages     int64
	Room         string
}

// PlaceholderName is the display name a session carries until it is named.
func PlaceholderName(id int64) string {
	return fmt.Sprintf("User#%d", id)
}

// Registry maps connection ids to sessions and handles back to ids. All
// accessors return copies; callers re-read instead of holding references.
type Registry struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*Session
	byHandle map[Handle]int64
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		byHandle: make(map[Handle]int64),
		now:      time.Now,
	}
}

// Create allocates the next id and inserts a Connected session in the
// default room. Ids start at 1 and are never reused.
func (r *Registry) Create(h Handle, remoteAddr string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	now := r.now()
	r.sessions[id] = &Session{
		ID:           id,
		Handle:       h,
		Name:         PlaceholderName(id),
		State:        StateConnected,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
		Room:         room.General,
	}
	if h != nil {
		r.byHandle[h] = id
	}
	return id
}

// Get returns a copy of one session.
func (r *Registry) Get(id int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns copies of every session ordered by id.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove deletes a session and returns its final state. Only one caller
// ever sees ok == true for a given id; everyone else must treat the miss as
// "already cleaned up".
func (r *Registry) Remove(id int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	if s.Handle != nil {
		delete(r.byHandle, s.Handle)
	}
	return *s, true
}

// Handle returns the transport handle of a session.
func (r *Registry) Handle(id int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Handle == nil {
		return nil, false
	}
	return s.Handle, true
}

// Handles returns the id and handle of every session except excludeID.
func (r *Registry) Handles(excludeID int64) map[int64]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]Handle, len(r.sessions))
	for id, s := range r.sessions {
		if id == excludeID || s.Handle == nil {
			continue
		}
		out[id] = s.Handle
	}
	return out
}

// Lookup resolves a transport handle to its session id.
func (r *Registry) Lookup(h Handle) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[h]
	return id, ok
}

// FindByName returns the lowest id whose display name equals name exactly.
// Display names are not unique.
func (r *Registry) FindByName(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found int64
	for id, s := range r.sessions {
		if s.Name == name && (found == 0 || id < found) {
			found = id
		}
	}
	return found, found != 0
}

func (r *Registry) update(id int64, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// UpdateActivity stamps the session's last-activity time.
func (r *Registry) UpdateActivity(id int64) bool {
	now := r.now()
	return r.update(id, func(s *Session) { s.LastActivity = now })
}

// SetName sets the display name and moves the session to StateNamed.
func (r *Registry) SetName(id int64, name string) bool {
	return r.update(id, func(s *Session) {
		s.Name = name
		s.State = StateNamed
	})
}

// SetRoom records the session's current room.
func (r *Registry) SetRoom(id int64, roomName string) bool {
	return r.update(id, func(s *Session) { s.Room = roomName })
}

// IncrementMessages bumps the per-session line counter and returns the new
// value.
func (r *Registry) IncrementMessages(id int64) (int64, bool) {
	var n int64
	ok := r.update(id, func(s *Session) {
		s.Messages++
		n = s.Messages
	})
	return n, ok
}
