package chat

import "time"

// User is the stored profile consulted at handshake and touched on presence changes.
type User struct {
	Username     string    `json:"username" bson:"_id"`
	Avatar       string    `json:"avatar,omitempty" bson:"avatar,omitempty"`
	CustomStatus string    `json:"customStatus,omitempty" bson:"customStatus,omitempty"`
	Status       string    `json:"status,omitempty" bson:"status,omitempty"`
	LastSeen     time.Time `json:"lastSeen" bson:"lastSeen"`
}

// UserPresence is the partial update written to a user record. Empty Status,
// nil pointers and a zero LastSeen leave the stored field as is.
type UserPresence struct {
	Status       string
	CustomStatus *string
	Avatar       *string
	LastSeen     time.Time
}
