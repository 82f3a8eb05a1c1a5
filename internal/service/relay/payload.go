package relay

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
)

// ActionChat is the only action tag that triggers persistence.
const ActionChat = "chat"

// Body is a room message body: either plain text or a structured payload.
type Body struct {
	Text   *string
	Fields map[string]any
}

// Structured reports whether the body is an action payload.
func (b Body) Structured() bool { return b.Fields != nil }

// Action returns the action tag of a structured body.
func (b Body) Action() string {
	if b.Fields == nil {
		return ""
	}
	action, _ := b.Fields["action"].(string)
	return action
}

// Value returns the body as it should be forwarded.
func (b Body) Value() any {
	if b.Text != nil {
		return *b.Text
	}
	return b.Fields
}

// DecodeBody accepts a JSON string or object.
func DecodeBody(raw json.RawMessage) (Body, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Body{}, &ValidationError{Field: "message", Reason: "is required"}
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Body{}, &ValidationError{Field: "message", Reason: err.Error()}
		}
		return Body{Text: &text}, nil
	case '{':
		fields := map[string]any{}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return Body{}, &ValidationError{Field: "message", Reason: err.Error()}
		}
		return Body{Fields: fields}, nil
	default:
		return Body{}, &ValidationError{Field: "message", Reason: "must be a string or an object"}
	}
}

// ChatAction is the typed view of a structured {action:"chat"} payload.
type ChatAction struct {
	Action     string    `mapstructure:"action"`
	RoomID     string    `mapstructure:"roomId"`
	SenderID   string    `mapstructure:"senderId"`
	ReceiverID string    `mapstructure:"receiverId"`
	ContextID  string    `mapstructure:"contextId"`
	Content    string    `mapstructure:"content"`
	Kind       string    `mapstructure:"messageType"`
	SentAt     time.Time `mapstructure:"sentAt"`
}

// decodeChatAction maps fields onto a ChatAction. Unknown keys are ignored
// and stay in the forwarded body.
func decodeChatAction(fields map[string]any) (ChatAction, error) {
	var action ChatAction
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &action,
		TagName: "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			epochMillisHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return ChatAction{}, err
	}
	if err := decoder.Decode(fields); err != nil {
		return ChatAction{}, &ValidationError{Reason: err.Error()}
	}
	return action, nil
}

// epochMillisHook lets clients send sentAt as a JavaScript millisecond epoch.
func epochMillisHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	}
	return data, nil
}

func (a ChatAction) validate() error {
	if strings.TrimSpace(a.Content) == "" {
		return &ValidationError{Field: "content", Reason: "is required"}
	}
	if a.Kind != "" && !chat.MessageKind(a.Kind).Valid() {
		return &ValidationError{Field: "messageType", Reason: "must be text, image or document"}
	}
	return nil
}
