// Package session tracks which logical users are online across their live
// connections. A username owns a session only while at least one connection
// id is registered under it.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
)

// ErrConnectionRegistered is returned when a connection id is claimed twice.
var ErrConnectionRegistered = errors.New("connection already registered")

type session struct {
	username     string
	conns        map[string]uint64 // connection id -> registration order
	status       presence.Status
	lastSeen     time.Time
	avatar       string
	customStatus string
}

// Registry maps connections to usernames and holds per-user presence.
// The forward and reverse indexes are only ever mutated together under mu.
type Registry struct {
	mu       sync.RWMutex
	byConn   map[string]string
	sessions map[string]*session
	seq      uint64
	clock    func() time.Time
}

// RegisterResult reports the outcome of RegisterConnection.
type RegisterResult struct {
	First  bool
	Record presence.Record
}

// RemoveResult reports the outcome of RemoveConnection. Found is false when
// the connection id was unknown, which callers treat as a no-op.
type RemoveResult struct {
	Found        bool
	FullyOffline bool
	Username     string
	Record       presence.Record
}

// NewRegistry returns an empty registry. A nil clock means time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		byConn:   make(map[string]string),
		sessions: make(map[string]*session),
		clock:    clock,
	}
}

// RegisterConnection adds connID to username's session, creating the session
// on the user's first live connection.
func (r *Registry) RegisterConnection(username, connID string, info presence.Info) (RegisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[connID]; exists {
		return RegisterResult{}, ErrConnectionRegistered
	}

	now := r.clock()
	s, ok := r.sessions[username]
	if !ok {
		s = &session{
			username: username,
			conns:    make(map[string]uint64),
			status:   presence.StatusOnline,
		}
		r.sessions[username] = s
	}

	r.seq++
	s.conns[connID] = r.seq
	r.byConn[connID] = username

	s.lastSeen = now
	s.apply(info)

	return RegisterResult{First: !ok, Record: s.record()}, nil
}

// RemoveConnection drops connID from its session and deletes the session
// when it was the last connection.
func (r *Registry) RemoveConnection(connID string) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[connID]
	if !ok {
		return RemoveResult{}
	}
	delete(r.byConn, connID)

	s := r.sessions[username]
	delete(s.conns, connID)
	s.lastSeen = r.clock()

	result := RemoveResult{Found: true, Username: username, Record: s.record()}
	result.Record.ConnectionID = connID
	if len(s.conns) == 0 {
		delete(r.sessions, username)
		result.FullyOffline = true
		result.Record.Status = presence.StatusOffline
	}
	return result
}

// UpdateStatus sets the user's status. A missing session is a no-op and
// reports false.
func (r *Registry) UpdateStatus(username string, status presence.Status, customStatus *string) (presence.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return presence.Record{}, false
	}

	s.status = status
	if customStatus != nil {
		s.customStatus = *customStatus
	}
	s.lastSeen = r.clock()
	return s.record(), true
}

// UpdateInfo applies a partial presence update. The status field, when set,
// must already be validated by the caller.
func (r *Registry) UpdateInfo(username string, info presence.Info) (presence.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return presence.Record{}, false
	}

	s.apply(info)
	if status, valid := presence.ParseStatus(info.Status); valid {
		s.status = status
	}
	s.lastSeen = r.clock()
	return s.record(), true
}

// Get returns the presence record for username.
func (r *Registry) Get(username string) (presence.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	if !ok {
		return presence.Record{}, false
	}
	return s.record(), true
}

// UniquePresenceList returns one record per online username, ordered by
// username. Each record carries the user's earliest registered connection.
func (r *Registry) UniquePresenceList() []presence.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]presence.Record, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Counts returns the number of distinct users and live connections from a
// single consistent snapshot.
func (r *Registry) Counts() (users, sockets int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.byConn)
}

func (s *session) apply(info presence.Info) {
	if info.Avatar != nil {
		s.avatar = *info.Avatar
	}
	if info.CustomStatus != nil {
		s.customStatus = *info.CustomStatus
	}
}

func (s *session) record() presence.Record {
	var (
		first   string
		firstAt uint64
	)
	for id, order := range s.conns {
		if first == "" || order < firstAt {
			first, firstAt = id, order
		}
	}
	return presence.Record{
		Username:     s.username,
		ConnectionID: first,
		Status:       s.status,
		LastSeen:     s.lastSeen,
		Avatar:       s.avatar,
		CustomStatus: s.customStatus,
		Connections:  len(s.conns),
	}
}
