package hal

import (
	"fmt"
	"strings"
)

// HAL represents the Bluetooth Hardware Abstraction Layer interface
type HAL interface {
	// Initialize powers up the Bluetooth adapter
	Initialize() error

	// Deinitialize releases the Bluetooth adapter
	Deinitialize()

	// StartScan starts a passive advertisement scan. Each received
	// advertisement is delivered through the callback until StopScan.
	StartScan(cb AdvertisementCallback) error

	// StopScan stops the advertisement scan
	StopScan() error

	// Connect establishes a connection to the device at the given address
	Connect(address string) error

	// Disconnect tears down the connection to the given address
	Disconnect(address string) error

	// ReadIdentity reads the battery identity record from the connected device
	ReadIdentity() ([]byte, error)

	// ReadEnergy reads the battery energy record from the connected device
	ReadEnergy() ([]byte, error)

	// GetState returns the current state of the HAL
	GetState() State
}

// State represents the state of the Bluetooth adapter
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateScanning
	StateConnecting
	StateConnected
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Error codes
const (
	ErrRadioUnavailable = -100
	ErrDeviceGone       = -101
	ErrLinkBusy         = -102
	ErrNotConnected     = -103
	ErrBadRecord        = -104
)

// Error represents a Bluetooth transport error
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bluetooth error %d: %s", e.Code, e.Message)
}

// NewError creates a new transport error
func NewError(code int, message string) error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func codeOf(err error) (int, bool) {
	if e, ok := err.(*Error); ok {
		return e.Code, true
	}
	return 0, false
}

// IsHALError reports whether err originated in the transport layer
func IsHALError(err error) bool {
	_, ok := codeOf(err)
	return ok
}

// IsRadioUnavailableError reports whether the adapter itself is unusable
func IsRadioUnavailableError(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrRadioUnavailable
}

// IsDeviceGoneError reports whether the remote device disappeared mid-operation
func IsDeviceGoneError(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrDeviceGone
}

// IsLinkBusyError reports whether the radio link is stuck or already active.
// Recovering from this condition requires an out-of-band adapter reset, so
// callers treat it as terminal. Besides the explicit code, the underlying
// stack sometimes only tells us in prose.
func IsLinkBusyError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := codeOf(err); ok && code == ErrLinkBusy {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already connected") ||
		strings.Contains(msg, "connection already exists") ||
		strings.Contains(msg, "operation already in progress") ||
		strings.Contains(msg, "busy")
}
