package chat

import "time"

// MessageKind classifies persisted message content.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindDocument MessageKind = "document"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument:
		return true
	}
	return false
}

// MessageStatus is the delivery lifecycle of a persisted message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a durable conversation record created from a "chat" action.
type Message struct {
	ID         string        `json:"id" bson:"_id,omitempty"`
	RoomID     string        `json:"roomId" bson:"roomId"`
	SenderID   string        `json:"senderId" bson:"senderId"`
	ReceiverID string        `json:"receiverId,omitempty" bson:"receiverId,omitempty"`
	ContextID  string        `json:"contextId,omitempty" bson:"contextId,omitempty"`
	Content    string        `json:"content" bson:"content"`
	Kind       MessageKind   `json:"messageType" bson:"messageType"`
	Status     MessageStatus `json:"status" bson:"status"`
	SentAt     time.Time     `json:"sentAt" bson:"sentAt"`
	ReadAt     *time.Time    `json:"readAt,omitempty" bson:"readAt,omitempty"`
}
