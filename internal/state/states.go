// Package state provides the finite state machine for a session's connection lifecycle.
package state

// State represents a connection state in the session lifecycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateQRReady      State = "QR_READY"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// AccountStatus maps a session state onto the persisted account status.
// Only DISCONNECTED, QR_READY and CONNECTED are ever stored.
func (s State) AccountStatus() string {
	switch s {
	case StateQRReady:
		return string(StateQRReady)
	case StateConnected:
		return string(StateConnected)
	default:
		return string(StateDisconnected)
	}
}
