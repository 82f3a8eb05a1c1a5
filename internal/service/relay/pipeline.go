// Package relay interprets room-scoped payloads, decides between forwarding
// and persisting, and builds the room_message deliveries.
//
// Only structured payloads tagged "chat" are persisted. Persistence is
// at-most-once: a failed create is logged and the message is still delivered
// without its stored fields. The Room Summary update is conditioned on the
// stored timestamp so that out-of-order completions converge on the newest
// message.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
)

// Sender identifies the connection a payload came from.
type Sender struct {
	Username     string
	ConnectionID string
}

// Plan is the decision taken for one room_message.
type Plan struct {
	Room string
	Body Body
	// Chat is set when the payload must be persisted before delivery.
	Chat *ChatAction
}

// Persist reports whether the plan needs the persistence step.
func (p Plan) Persist() bool { return p.Chat != nil }

// Result is the two-phase outcome of Persist.
type Result struct {
	Persisted      *chat.Message
	SummaryUpdated bool
	Err            error
}

// Delivery is the room_message payload sent to every room member.
type Delivery struct {
	Room         string        `json:"room"`
	Message      any           `json:"message"`
	Username     string        `json:"username"`
	ConnectionID string        `json:"connectionId"`
	Timestamp    time.Time     `json:"timestamp"`
	Persisted    *chat.Message `json:"persisted,omitempty"`
}

// Pipeline owns the persistence policy.
type Pipeline struct {
	messages store.MessageRepository
	rooms    store.RoomRepository
	clock    func() time.Time
	log      *zap.Logger
}

// New builds a pipeline. A nil clock means time.Now.
func New(messages store.MessageRepository, rooms store.RoomRepository, log *zap.Logger, clock func() time.Time) *Pipeline {
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{messages: messages, rooms: rooms, clock: clock, log: log}
}

// Plan validates a room_message and decides persist-vs-forward.
func (p *Pipeline) Plan(room string, raw json.RawMessage, sender Sender) (Plan, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return Plan{}, &ValidationError{Field: "room", Reason: "is required"}
	}

	body, err := DecodeBody(raw)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Room: room, Body: body}
	if body.Action() != ActionChat {
		return plan, nil
	}

	action, err := decodeChatAction(body.Fields)
	if err != nil {
		return Plan{}, err
	}
	if err := action.validate(); err != nil {
		return Plan{}, err
	}
	if action.RoomID == "" {
		action.RoomID = room
	}
	if action.SenderID == "" {
		action.SenderID = sender.Username
	}
	if action.Kind == "" {
		action.Kind = string(chat.KindText)
	}
	if action.SentAt.IsZero() {
		action.SentAt = p.clock().UTC()
	}
	plan.Chat = &action
	return plan, nil
}

// Persist creates the message, reads it back and then updates the Room
// Summary. No step is retried.
func (p *Pipeline) Persist(ctx context.Context, action ChatAction) Result {
	msg := chat.Message{
		RoomID:     action.RoomID,
		SenderID:   action.SenderID,
		ReceiverID: action.ReceiverID,
		ContextID:  action.ContextID,
		Content:    action.Content,
		Kind:       chat.MessageKind(action.Kind),
		Status:     chat.StatusSent,
		SentAt:     action.SentAt,
	}

	created, err := p.messages.CreateMessage(ctx, msg)
	if err != nil {
		p.log.Error("message create failed, delivering without persistence",
			zap.String("room", msg.RoomID), zap.String("sender", msg.SenderID), zap.Error(err))
		return Result{Err: &PersistenceError{Phase: "create", Room: msg.RoomID, Err: err}}
	}

	stored, err := p.messages.FindMessage(ctx, created.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Warn("message read-back failed", zap.String("id", created.ID), zap.Error(err))
		}
		stored = created
	}

	result := Result{Persisted: &stored}

	applied, err := p.rooms.UpdateRoomSummary(ctx, stored.RoomID, chat.SummaryUpdate{
		Text:     stored.Content,
		SentAt:   stored.SentAt,
		SenderID: stored.SenderID,
	})
	if err != nil {
		p.log.Warn("room summary update failed", zap.String("room", stored.RoomID), zap.Error(err))
		result.Err = &PersistenceError{Phase: "summary", Room: stored.RoomID, Err: err}
		return result
	}
	if !applied {
		p.log.Debug("room summary already newer", zap.String("room", stored.RoomID), zap.Time("sentAt", stored.SentAt))
	}
	result.SummaryUpdated = applied
	return result
}

// Deliver builds the room_message payload for plan. res may be nil for
// forward-only plans; a failed create leaves Persisted empty.
func (p *Pipeline) Deliver(plan Plan, sender Sender, res *Result) Delivery {
	d := Delivery{
		Room:         plan.Room,
		Message:      plan.Body.Value(),
		Username:     sender.Username,
		ConnectionID: sender.ConnectionID,
		Timestamp:    p.clock().UTC(),
	}
	if res != nil && res.Persisted != nil {
		d.Persisted = res.Persisted
	}
	return d
}
