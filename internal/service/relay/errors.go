package relay

import "fmt"

// ValidationError reports a malformed inbound payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed repository call. Phase is "create" or
// "summary".
type PersistenceError struct {
	Phase string
	Room  string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for room %s: %v", e.Phase, e.Room, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
