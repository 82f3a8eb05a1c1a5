package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/zhouzirui/presence-relay/backend/internal/model/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/service/relay"
)

// Frame is the wire envelope used in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventMessage        = "message"
	EventChat           = "chat"
	EventPrivateMessage = "private_message"
	EventJoinRoom       = "join_room"
	EventRoomMessage    = "room_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventFileShare      = "file_share"
	EventStatusUpdate   = "status_update"
	EventUserInfoUpdate = "user_info_update"
	EventGetUserList    = "get_user_list"
	EventDisconnect     = "disconnect"
	EventLeave          = "leave"
	EventError          = "error"
)

// Outbound event names.
const (
	EventWelcome           = "welcome"
	EventEcho              = "echo"
	EventUserJoined        = "user_joined"
	EventJoinedRoom        = "joined_room"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventFileReceived      = "file_received"
	EventUserStatusChanged = "user_status_changed"
	EventUserList          = "user_list"
	EventUserDisconnected  = "user_disconnected"
	EventUserLeftRoom      = "user_left_room"
	EventHeartbeat         = "heartbeat"
)

// Event is one decoded inbound event. The set of implementations is closed.
type Event interface {
	Name() string
	inbound()
}

type (
	// MessageEvent carries an opaque payload echoed back to the sender.
	MessageEvent struct{ Data json.RawMessage }

	ChatEvent struct {
		Text string `json:"text"`
		Room string `json:"room,omitempty"`
	}

	PrivateMessageEvent struct {
		TargetConnectionID string          `json:"targetConnectionId"`
		Message            json.RawMessage `json:"message"`
	}

	JoinRoomEvent struct{ Room string }

	RoomMessageEvent struct {
		Room    string          `json:"room"`
		Message json.RawMessage `json:"message"`
	}

	// TypingEvent covers typing_start and typing_stop.
	TypingEvent struct {
		Stopped bool
		Room    string
	}

	FileShareEvent struct {
		FileName string `json:"fileName"`
		FileData string `json:"fileData"`
		FileSize int64  `json:"fileSize,omitempty"`
	}

	StatusUpdateEvent struct {
		Status       presence.Status
		CustomStatus *string
	}

	UserInfoUpdateEvent struct{ Info presence.Info }

	UserListEvent struct{}

	DisconnectEvent struct{ Reason string }

	LeaveEvent struct{}

	// ErrorEvent is a client-side error report. It is only logged.
	ErrorEvent struct{ Message string }
)

func (MessageEvent) Name() string        { return EventMessage }
func (ChatEvent) Name() string           { return EventChat }
func (PrivateMessageEvent) Name() string { return EventPrivateMessage }
func (JoinRoomEvent) Name() string       { return EventJoinRoom }
func (RoomMessageEvent) Name() string    { return EventRoomMessage }
func (e TypingEvent) Name() string {
	if e.Stopped {
		return EventTypingStop
	}
	return EventTypingStart
}
func (FileShareEvent) Name() string      { return EventFileShare }
func (StatusUpdateEvent) Name() string   { return EventStatusUpdate }
func (UserInfoUpdateEvent) Name() string { return EventUserInfoUpdate }
func (UserListEvent) Name() string       { return EventGetUserList }
func (DisconnectEvent) Name() string     { return EventDisconnect }
func (LeaveEvent) Name() string          { return EventLeave }
func (ErrorEvent) Name() string          { return EventError }

func (MessageEvent) inbound()        {}
func (ChatEvent) inbound()           {}
func (PrivateMessageEvent) inbound() {}
func (JoinRoomEvent) inbound()       {}
func (RoomMessageEvent) inbound()    {}
func (TypingEvent) inbound()         {}
func (FileShareEvent) inbound()      {}
func (StatusUpdateEvent) inbound()   {}
func (UserInfoUpdateEvent) inbound() {}
func (UserListEvent) inbound()       {}
func (DisconnectEvent) inbound()     {}
func (LeaveEvent) inbound()          {}
func (ErrorEvent) inbound()          {}

// DecodeEvent parses one text frame into its typed event.
func DecodeEvent(raw []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &relay.ValidationError{Reason: "malformed frame: " + err.Error()}
	}

	data := bytes.TrimSpace(frame.Data)
	switch frame.Event {
	case EventMessage:
		if len(data) == 0 {
			data = []byte("null")
		}
		return MessageEvent{Data: data}, nil

	case EventChat:
		var e ChatEvent
		if err := decodeObject(data, &e); err != nil {
			return nil, err
		}
		if strings.TrimSpace(e.Text) == "" {
			return nil, &relay.ValidationError{Field: "text", Reason: "is required"}
		}
		return e, nil

	case EventPrivateMessage:
		var e PrivateMessageEvent
		if err := decodeObject(data, &e); err != nil {
			return nil, err
		}
		if e.TargetConnectionID == "" {
			return nil, &relay.ValidationError{Field: "targetConnectionId", Reason: "is required"}
		}
		return e, nil

	case EventJoinRoom:
		room, err := roomName(data)
		if err != nil {
			return nil, err
		}
		if room == "" {
			return nil, &relay.ValidationError{Field: "room", Reason: "is required"}
		}
		return JoinRoomEvent{Room: room}, nil

	case EventRoomMessage:
		var e RoomMessageEvent
		if err := decodeObject(data, &e); err != nil {
			return nil, err
		}
		return e, nil

	case EventTypingStart, EventTypingStop:
		room, err := roomName(data)
		if err != nil {
			return nil, err
		}
		return TypingEvent{Stopped: frame.Event == EventTypingStop, Room: room}, nil

	case EventFileShare:
		var e FileShareEvent
		if err := decodeObject(data, &e); err != nil {
			return nil, err
		}
		if e.FileName == "" {
			return nil, &relay.ValidationError{Field: "fileName", Reason: "is required"}
		}
		return e, nil

	case EventStatusUpdate:
		var payload struct {
			Status       string  `json:"status"`
			CustomStatus *string `json:"customStatus"`
		}
		if err := decodeObject(data, &payload); err != nil {
			return nil, err
		}
		status, ok := presence.ParseStatus(payload.Status)
		if !ok {
			return nil, &relay.ValidationError{Field: "status", Reason: "must be online, away or busy"}
		}
		return StatusUpdateEvent{Status: status, CustomStatus: payload.CustomStatus}, nil

	case EventUserInfoUpdate:
		fields := map[string]any{}
		if err := decodeObject(data, &fields); err != nil {
			return nil, err
		}
		var info presence.Info
		if err := mapstructure.Decode(fields, &info); err != nil {
			return nil, &relay.ValidationError{Reason: err.Error()}
		}
		if info.Status != "" {
			if _, ok := presence.ParseStatus(info.Status); !ok {
				return nil, &relay.ValidationError{Field: "status", Reason: "must be online, away or busy"}
			}
		}
		return UserInfoUpdateEvent{Info: info}, nil

	case EventGetUserList:
		return UserListEvent{}, nil

	case EventDisconnect:
		var reason string
		if len(data) > 0 && data[0] == '"' {
			_ = json.Unmarshal(data, &reason)
		}
		return DisconnectEvent{Reason: reason}, nil

	case EventLeave:
		return LeaveEvent{}, nil

	case EventError:
		var msg string
		if len(data) > 0 && data[0] == '"' {
			_ = json.Unmarshal(data, &msg)
		} else {
			msg = string(data)
		}
		return ErrorEvent{Message: msg}, nil

	case "":
		return nil, &relay.ValidationError{Field: "event", Reason: "is required"}
	default:
		return nil, &relay.ValidationError{Field: "event", Reason: "unknown event " + frame.Event}
	}
}

func decodeObject(data []byte, v any) error {
	if len(data) == 0 || data[0] != '{' {
		return &relay.ValidationError{Field: "data", Reason: "must be an object"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &relay.ValidationError{Field: "data", Reason: err.Error()}
	}
	return nil
}

// roomName accepts "room", {"room":"room"} or nothing.
func roomName(data []byte) (string, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	switch data[0] {
	case '"':
		var room string
		if err := json.Unmarshal(data, &room); err != nil {
			return "", &relay.ValidationError{Field: "room", Reason: err.Error()}
		}
		return strings.TrimSpace(room), nil
	case '{':
		var payload struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", &relay.ValidationError{Field: "room", Reason: err.Error()}
		}
		return strings.TrimSpace(payload.Room), nil
	default:
		return "", &relay.ValidationError{Field: "room", Reason: "must be a string"}
	}
}

// Encode builds an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Outbound payloads.
type (
	Welcome struct {
		ConnectionID string    `json:"connectionId"`
		Username     string    `json:"username"`
		ServerTime   time.Time `json:"serverTime"`
	}

	Echo struct {
		Message      json.RawMessage `json:"message"`
		ConnectionID string          `json:"connectionId"`
		Timestamp    time.Time       `json:"timestamp"`
	}

	ChatBroadcast struct {
		Text         string    `json:"text"`
		Username     string    `json:"username"`
		ConnectionID string    `json:"connectionId"`
		Room         string    `json:"room,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
	}

	PrivateMessage struct {
		From             string          `json:"from"`
		FromConnectionID string          `json:"fromConnectionId"`
		Message          json.RawMessage `json:"message"`
		Timestamp        time.Time       `json:"timestamp"`
	}

	UserJoined struct {
		Username     string           `json:"username"`
		ConnectionID string           `json:"connectionId"`
		Room         string           `json:"room,omitempty"`
		Presence     *presence.Record `json:"presence,omitempty"`
	}

	JoinedRoom struct {
		Room    string   `json:"room"`
		Members []string `json:"members"`
		Rooms   []string `json:"rooms"`
	}

	Typing struct {
		Username     string `json:"username"`
		ConnectionID string `json:"connectionId"`
		Room         string `json:"room,omitempty"`
	}

	FileReceived struct {
		FileName     string    `json:"fileName"`
		FileData     string    `json:"fileData"`
		FileSize     int64     `json:"fileSize,omitempty"`
		From         string    `json:"from"`
		ConnectionID string    `json:"connectionId"`
		Timestamp    time.Time `json:"timestamp"`
	}

	UserList struct {
		Users []presence.Record `json:"users"`
	}

	UserDisconnected struct {
		Username     string          `json:"username"`
		ConnectionID string          `json:"connectionId"`
		Status       presence.Status `json:"status"`
		LastSeen     time.Time       `json:"lastSeen"`
	}

	UserLeftRoom struct {
		Room         string `json:"room"`
		Username     string `json:"username"`
		ConnectionID string `json:"connectionId"`
	}

	ErrorPayload struct {
		Event   string `json:"event,omitempty"`
		Message string `json:"message"`
	}
)
