// Package memrelay is an in-process directory service. A single Relay plays the
// rendezvous server; each Client is one participant's connection to it.
package memrelay

import (
	"slices"
	"sync"

	"github.com/mcdev12/symbolduel/go/internal/directory"
)

type room struct {
	id      string
	visible bool
	max     int
	members []*Client
	props   map[string][]byte
	cache   []directory.EventReceived
}

func (r *room) open() bool {
	return r.visible && len(r.members) < r.max
}

// Relay holds every room. It is safe for concurrent use by many clients.
type Relay struct {
	mu          sync.Mutex
	rooms       map[string]*room
	order       []string
	failCreates int
	failWrites  bool
}

// NewRelay returns an empty relay.
func NewRelay() *Relay {
	return &Relay{rooms: make(map[string]*room)}
}

// FailNextCreates makes the next n CreateRoom requests fail as identifier collisions.
func (r *Relay) FailNextCreates(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCreates = n
}

// FailPropertyWrites makes SetProperty reject every write while on is true.
func (r *Relay) FailPropertyWrites(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = on
}

// Reserve registers a hidden, empty room so later creates with the same id collide.
func (r *Relay) Reserve(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return
	}
	r.rooms[id] = &room{id: id, max: directory.MaxPlayersPerRoom, props: map[string][]byte{}}
	r.order = append(r.order, id)
}

// RoomCount returns the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Members returns the head count of a room, or 0 if it does not exist.
func (r *Relay) Members(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[id]; ok {
		return len(rm.members)
	}
	return 0
}

// CachedEvents returns the number of cached events a room would replay to a joiner.
func (r *Relay) CachedEvents(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[id]; ok {
		return len(rm.cache)
	}
	return 0
}

// Property reads a room property directly, bypassing any client.
func (r *Relay) Property(roomID, key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	v, ok := rm.props[key]
	return slices.Clone(v), ok
}

// removeLocked drops c and its cached events from its room and returns the
// remaining members. Caller holds r.mu.
func (r *Relay) removeLocked(c *Client) (string, []*Client) {
	rm := c.room
	if rm == nil {
		return "", nil
	}
	c.room = nil
	rm.members = slices.DeleteFunc(rm.members, func(m *Client) bool { return m == c })
	rm.cache = slices.DeleteFunc(rm.cache, func(ev directory.EventReceived) bool { return ev.Sender == c.id })
	if len(rm.members) == 0 {
		delete(r.rooms, rm.id)
		r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == rm.id })
		return rm.id, nil
	}
	return rm.id, slices.Clone(rm.members)
}
