package chat

import "time"

// RoomSummary caches a persisted conversation's latest activity.
// It is best-effort and never authoritative for membership.
type RoomSummary struct {
	RoomID        string         `json:"roomId" bson:"_id"`
	LastMessage   string         `json:"lastMessage" bson:"lastMessage"`
	LastMessageAt time.Time      `json:"lastMessageAt" bson:"lastMessageAt"`
	LastSenderID  string         `json:"lastSenderId" bson:"lastSenderId"`
	Unread        map[string]int `json:"unread,omitempty" bson:"unread,omitempty"`
}

// SummaryUpdate carries the fields written after a message is persisted.
type SummaryUpdate struct {
	Text     string
	SentAt   time.Time
	SenderID string
}

// Newer reports whether u should replace the stored summary s.
func (u SummaryUpdate) Newer(s RoomSummary) bool {
	return u.SentAt.After(s.LastMessageAt)
}
