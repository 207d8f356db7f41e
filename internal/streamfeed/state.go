// Package streamfeed implements C5, the streaming client: connection
// state machine, SBE-style binary frame decoding, and sequential
// dispatch. Grounded on the teacher's websocket normalizer dispatch
// pattern, generalized from its fixed exchange-message set to the
// schema-versioned frame header this spec requires.
package streamfeed

import "fmt"

// State is one of the five connection states in §4.5's machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

const maxReconnectAttempts = 10
