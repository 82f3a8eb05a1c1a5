package presence

import (
	"strings"
	"time"
)

// Status is a user's externally visible presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus normalizes raw input. Offline is reported as not settable:
// a user goes offline only when the last connection drains.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusOnline, StatusAway, StatusBusy:
		return s, true
	default:
		return "", false
	}
}

// Record is the presence entry broadcast to clients, one per username.
type Record struct {
	Username     string    `json:"username"`
	ConnectionID string    `json:"connectionId"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	Avatar       string    `json:"avatar,omitempty"`
	CustomStatus string    `json:"customStatus,omitempty"`
	Connections  int       `json:"connections"`
}

// Info carries optional profile fields supplied at registration or by a
// user_info_update. A nil field leaves the stored value untouched; a pointer
// to "" clears it.
type Info struct {
	Avatar       *string `json:"avatar,omitempty" mapstructure:"avatar"`
	CustomStatus *string `json:"customStatus,omitempty" mapstructure:"customStatus"`
	Status       string  `json:"status,omitempty" mapstructure:"status"`
}
