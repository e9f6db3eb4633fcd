package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrDuplicateClient = errors.New("client already registered")
	ErrInvalidFilter   = errors.New("invalid subscription filter")
)

const (
	RoomAll    = "tokens:all"
	chainRoom  = "chain:"
	tokenRoom  = "token:"
	maxChains  = 32
	maxRoomLen = 256
)

func ChainRoom(chain string) string { return chainRoom + strings.ToLower(chain) }

func TokenRoom(address string) string { return tokenRoom + strings.ToLower(address) }

// IsTokenRoom reports whether room targets one token.
func IsTokenRoom(room string) bool { return strings.HasPrefix(room, tokenRoom) }

// TokenFromRoom returns the address part of a token room.
func TokenFromRoom(room string) (string, bool) {
	if !IsTokenRoom(room) {
		return "", false
	}
	return strings.TrimPrefix(room, tokenRoom), true
}

type client struct {
	id          string
	filters     *Filters
	rooms       map[string]struct{}
	connectedAt time.Time
}

// Subscriber is a room member and the filters in force for it.
type Subscriber struct {
	ID      string
	Filters *Filters
}

// Registry owns every connected client's filters and room memberships.
// Operations on ids that are not registered are no-ops, except AddClient.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]struct{}
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) AddClient(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; ok {
		return ErrDuplicateClient
	}
	r.clients[id] = &client{
		id:          id,
		rooms:       make(map[string]struct{}),
		connectedAt: r.now(),
	}
	return nil
}

func (r *Registry) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	for room := range c.rooms {
		r.leaveLocked(id, room)
	}
	delete(r.clients, id)
}

// SetFilters replaces the client's filters. Invalid filters are rejected and
// the previous filters stay in force.
func (r *Registry) SetFilters(id string, f Filters) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f = f.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.filters = &f
	}
	return nil
}

func (r *Registry) ClearFilters(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.filters = nil
	}
}

// Filters returns a copy of the client's filters, if it has any.
func (r *Registry) Filters(id string) (Filters, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok || c.filters == nil {
		return Filters{}, false
	}
	return c.filters.clone(), true
}

func (r *Registry) JoinRoom(id, room string) {
	if room == "" || len(room) > maxRoomLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return
	}
	c.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
}

func (r *Registry) LeaveRoom(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(id, room)
}

func (r *Registry) leaveLocked(id, room string) {
	if c, ok := r.clients[id]; ok {
		delete(c.rooms, room)
	}
	if members, ok := r.rooms[room]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// ClientsInRoom returns the room's members in id order.
func (r *Registry) ClientsInRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// Subscribers returns the room's members together with their filters.
func (r *Registry) Subscribers(room string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Subscriber, 0, len(members))
	for id := range members {
		s := Subscriber{ID: id}
		if c := r.clients[id]; c != nil && c.filters != nil {
			f := c.filters.clone()
			s.Filters = &f
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rooms returns the rooms a client has joined.
func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	return sortedKeys(c.rooms)
}

// RoomsWithPrefix lists non-empty rooms whose name starts with prefix.
func (r *Registry) RoomsWithPrefix(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for room := range r.rooms {
		if strings.HasPrefix(room, prefix) {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) ConnectedAt(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return time.Time{}, false
	}
	return c.connectedAt, true
}

// CleanupStale removes clients connected for longer than maxAge that alive
// reports as gone. It returns the removed ids.
func (r *Registry) CleanupStale(maxAge time.Duration, alive func(id string) bool) []string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, c := range r.clients {
		if now.Sub(c.connectedAt) <= maxAge {
			continue
		}
		if alive != nil && alive(id) {
			continue
		}
		r.removeLocked(id)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
