package fsm

import "github.com/librescoot/librefsm"

// State represents a state in the connection-session FSM
type State = librefsm.StateID

// State constants
const (
	StateIdle            State = "idle"
	StateActive          State = "active"
	StateScanning        State = "scanning"
	StateConnecting      State = "connecting"
	StateCondRetry       State = "cond_retry_connect"
	StateReadingIdentity State = "reading_identity"
	StateReadingEnergy   State = "reading_energy"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

// IsTerminal reports whether the state ends the session
func IsTerminal(s State) bool {
	return s == StateSucceeded || s == StateFailed
}
