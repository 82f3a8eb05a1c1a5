// Package memory implements the repository contract in process memory. It
// backs the service when no Mongo deployment is configured and doubles as the
// repository in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
)

// Store encapsulates all three collections behind one lock.
type Store struct {
	mu       sync.RWMutex
	messages map[string]chat.Message
	rooms    map[string]chat.RoomSummary
	users    map[string]chat.User
}

// New bootstraps an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string]chat.Message),
		rooms:    make(map[string]chat.RoomSummary),
		users:    make(map[string]chat.User),
	}
}

var _ store.Repository = (*Store)(nil)

// CreateMessage assigns an id and stores the message.
func (s *Store) CreateMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	msg.ID = uuid.NewString()
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()

	return msg, nil
}

// FindMessage retrieves a message by id.
func (s *Store) FindMessage(_ context.Context, id string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return chat.Message{}, store.ErrNotFound
	}
	return msg, nil
}

// FindRoom retrieves a room summary.
func (s *Store) FindRoom(_ context.Context, roomID string) (chat.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.rooms[roomID]
	if !ok {
		return chat.RoomSummary{}, store.ErrNotFound
	}
	summary.Unread = copyCounts(summary.Unread)
	return summary, nil
}

// UpdateRoomSummary applies update when it is newer than the stored summary.
func (s *Store) UpdateRoomSummary(_ context.Context, roomID string, update chat.SummaryUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rooms[roomID]
	if ok && !update.Newer(current) {
		return false, nil
	}

	current.RoomID = roomID
	current.LastMessage = update.Text
	current.LastMessageAt = update.SentAt
	current.LastSenderID = update.SenderID
	s.rooms[roomID] = current
	return true, nil
}

// FindUser retrieves a user profile.
func (s *Store) FindUser(_ context.Context, username string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return chat.User{}, store.ErrNotFound
	}
	return user, nil
}

// UpdateUser upserts the non-empty presence fields.
func (s *Store) UpdateUser(_ context.Context, username string, update chat.UserPresence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.users[username]
	user.Username = username
	if update.Status != "" {
		user.Status = update.Status
	}
	if update.CustomStatus != nil {
		user.CustomStatus = *update.CustomStatus
	}
	if update.Avatar != nil {
		user.Avatar = *update.Avatar
	}
	if !update.LastSeen.IsZero() {
		user.LastSeen = update.LastSeen
	}
	s.users[username] = user
	return true, nil
}

// SaveUser seeds a profile.
func (s *Store) SaveUser(user chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func copyCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
