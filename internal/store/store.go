// Package store defines the narrow repository contract the relay consumes:
// create, findOne and updateOne over messages, rooms and users.
package store

import (
	"context"
	"errors"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
)

// ErrNotFound is returned by find operations when no record matches.
var ErrNotFound = errors.New("store: record not found")

// MessageRepository persists chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	FindMessage(ctx context.Context, id string) (chat.Message, error)
}

// RoomRepository maintains room summaries.
type RoomRepository interface {
	FindRoom(ctx context.Context, roomID string) (chat.RoomSummary, error)
	// UpdateRoomSummary applies update only when its SentAt is strictly newer
	// than the stored LastMessageAt, creating the summary when absent. It
	// reports whether the update was applied.
	UpdateRoomSummary(ctx context.Context, roomID string, update chat.SummaryUpdate) (bool, error)
}

// UserRepository stores user profiles touched by presence changes.
type UserRepository interface {
	FindUser(ctx context.Context, username string) (chat.User, error)
	// UpdateUser upserts the fields set in update.
	UpdateUser(ctx context.Context, username string, update chat.UserPresence) (bool, error)
}

// Repository groups the three record kinds.
type Repository interface {
	MessageRepository
	RoomRepository
	UserRepository
}
