// Package room keeps the live, non-persisted mapping between connections and
// the named rooms they joined.
package room

import (
	"sort"
	"sync"
)

type set map[string]struct{}

// Membership tracks rooms per connection and connections per room. Every
// connection is implicitly a member of a room named after its own id.
type Membership struct {
	mu     sync.RWMutex
	byConn map[string]set
	byRoom map[string]set
}

// Departure describes one room a connection left and who is still in it.
type Departure struct {
	Room      string
	Remaining []string
}

// NewMembership returns empty membership tables.
func NewMembership() *Membership {
	return &Membership{
		byConn: make(map[string]set),
		byRoom: make(map[string]set),
	}
}

// Attach places connID in its implicit default room. Connections that joined
// a room of the same name before connID existed are evicted and returned.
func (m *Membership) Attach(connID string) (evicted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted = m.members(connID, connID)
	for _, id := range evicted {
		m.remove(id, connID)
	}
	m.add(connID, connID)
	return evicted
}

// Reserved reports whether room is the default room of a live connection
// other than connID.
func (m *Membership) Reserved(connID, room string) bool {
	if room == connID {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byConn[room][room]
	return ok
}

// Join adds connID to room. It returns the members present before the join
// (never including connID) and whether the membership is new.
func (m *Membership) Join(connID, room string) (existing []string, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing = m.members(room, connID)
	if _, ok := m.byRoom[room][connID]; ok {
		return existing, false
	}
	m.add(connID, room)
	return existing, true
}

// LeaveAll drops every membership of connID. The implicit default room is
// removed silently; every other room is reported with its remaining members.
func (m *Membership) LeaveAll(connID string) []Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.byConn[connID]
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	var departures []Departure
	for _, name := range names {
		m.remove(connID, name)
		if name == connID {
			continue
		}
		departures = append(departures, Departure{Room: name, Remaining: m.members(name, "")})
	}
	delete(m.byConn, connID)
	return departures
}

// Members returns the connections in room, sorted.
func (m *Membership) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members(room, "")
}

// Rooms returns the named rooms connID joined, excluding its default room.
func (m *Membership) Rooms(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byConn[connID]))
	for name := range m.byConn[connID] {
		if name != connID {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Membership) add(connID, room string) {
	if m.byConn[connID] == nil {
		m.byConn[connID] = make(set)
	}
	m.byConn[connID][room] = struct{}{}

	if m.byRoom[room] == nil {
		m.byRoom[room] = make(set)
	}
	m.byRoom[room][connID] = struct{}{}
}

func (m *Membership) remove(connID, room string) {
	delete(m.byConn[connID], room)
	if members := m.byRoom[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.byRoom, room)
		}
	}
}

func (m *Membership) members(room, exclude string) []string {
	members := m.byRoom[room]
	out := make([]string, 0, len(members))
	for id := range members {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
