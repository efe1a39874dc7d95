package chat

import "errors"

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	DefaultOutboxSize      = 64
	DefaultMaxMessageBytes = 4096
)

var ErrMessageTooLong = errors.New("message too long")
