// Package room tracks chat rooms and the exclusive room membership of every
// session.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	// General is the permanent room every session starts in.
	General = "general"

	// AdminID is the requester id that may manage any room. Session ids
	// start at 1, so it never collides with a connection.
	AdminID int64 = 0

	generalTopic = "Welcome to the chat server!"
)

var (
	ErrRoomExists    = errors.New("room already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrWrongPassword = errors.New("wrong room password")
	ErrPermanentRoom = errors.New("room cannot be deleted")
	ErrNotOwner      = errors.New("only the room owner or an admin may do that")
	ErrInvalidName   = errors.New("invalid room name")
)

type room struct {
	name      string
	topic     string
	ownerID   int64
	private   bool
	password  string
	members   map[int64]struct{}
	createdAt time.Time
}

// Info is a copy of a room's public attributes.
type Info struct {
	Name      string
	Topic     string
	OwnerID   int64
	Private   bool
	Members   int
	CreatedAt time.Time
}

func (r *room) info() Info {
	return Info{
		Name:      r.name,
		Topic:     r.topic,
		OwnerID:   r.ownerID,
		Private:   r.private,
		Members:   len(r.members),
		CreatedAt: r.createdAt,
	}
}

// Registry owns every room and the id -> room mapping under one lock, so a
// session is a member of at most one room at any instant.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	members map[int64]string
	now     func() time.Time
}

// NewRegistry returns a registry holding only the general room.
func NewRegistry() *Registry {
	r := &Registry{
		rooms:   make(map[string]*room),
		members: make(map[int64]string),
		now:     time.Now,
	}
	r.rooms[General] = &room{
		name:      General,
		topic:     generalTopic,
		ownerID:   AdminID,
		members:   make(map[int64]struct{}),
		createdAt: r.now(),
	}
	return r
}

// CreateRoom inserts an empty room. A private room requires password to join.
func (r *Registry) CreateRoom(name string, ownerID int64, private bool, password string) error {
	if name == "" {
		return ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; ok {
		return ErrRoomExists
	}
	r.rooms[name] = &room{
		name:      name,
		ownerID:   ownerID,
		private:   private,
		password:  password,
		members:   make(map[int64]struct{}),
		createdAt: r.now(),
	}
	return nil
}

// JoinRoom moves id into name, removing it from its previous room in the
// same critical section. Joining the current room again is harmless here;
// callers skip it to avoid leave/join notices.
func (r *Registry) JoinRoom(name string, id int64, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if target.private && target.password != password {
		return ErrWrongPassword
	}

	if current, ok := r.members[id]; ok {
		if prev, ok := r.rooms[current]; ok {
			delete(prev.members, id)
		}
	}
	target.members[id] = struct{}{}
	r.members[id] = name
	return nil
}

// LeaveRoom drops id's membership without assigning a new room.
func (r *Registry) LeaveRoom(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.members[id]
	if !ok {
		return "", false
	}
	if rm, ok := r.rooms[current]; ok {
		delete(rm.members, id)
	}
	delete(r.members, id)
	return current, true
}

// DeleteRoom removes a room after moving all of its members into general.
// It returns the ids that were moved.
func (r *Registry) DeleteRoom(name string, requesterID int64) ([]int64, error) {
	if name == General {
		return nil, ErrPermanentRoom
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if rm.ownerID != requesterID && requesterID != AdminID {
		return nil, ErrNotOwner
	}

	general := r.rooms[General]
	moved := make([]int64, 0, len(rm.members))
	for id := range rm.members {
		general.members[id] = struct{}{}
		r.members[id] = General
		moved = append(moved, id)
	}
	delete(r.rooms, name)

	sort.Slice(moved, func(i, j int) bool { return moved[i] < moved[j] })
	return moved, nil
}

// SetTopic changes a room's topic. Only the owner or AdminID may do so.
func (r *Registry) SetTopic(name, topic string, requesterID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.ownerID != requesterID && requesterID != AdminID {
		return ErrNotOwner
	}
	rm.topic = topic
	return nil
}

// ListRooms returns the public rooms sorted by name.
func (r *Registry) ListRooms() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if !rm.private {
			out = append(out, rm.info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetRoomMembers returns the member ids of a room in ascending order; nil if
// the room does not exist.
func (r *Registry) GetRoomMembers(name string) []int64 {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	out := make([]int64, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomExists reports whether name is a room.
func (r *Registry) RoomExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[name]
	return ok
}

// RoomInfo returns a copy of one room's attributes.
func (r *Registry) RoomInfo(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	if !ok {
		return Info{}, false
	}
	return rm.info(), true
}

// ClientRoom returns the room id currently belongs to.
func (r *Registry) ClientRoom(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.members[id]
	return name, ok
}
