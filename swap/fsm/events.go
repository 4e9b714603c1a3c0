package fsm

import "github.com/librescoot/librefsm"

// EventID identifies an event delivered to the session FSM
type EventID = librefsm.EventID

const (
	EvScanRequested   EventID = "scan_requested"
	EvDeviceMatched   EventID = "device_matched"
	EvScanTimeout     EventID = "scan_timeout"
	EvConnected       EventID = "connected"
	EvConnectTimeout  EventID = "connect_timeout"
	EvTransportFailed EventID = "transport_failed"
	EvIdentityRead    EventID = "identity_read"
	EvEnergyRead      EventID = "energy_read"
	EvReadTimeout     EventID = "read_timeout"
	EvDecodeFailed    EventID = "decode_failed"
	EvWatchdogTimeout EventID = "watchdog_timeout"
	EvCancel          EventID = "cancel"
	EvForceCancel     EventID = "force_cancel"
)

// Cause classifies why a session reached the failed state
type Cause int

const (
	CauseNone Cause = iota
	CauseDeviceNotFound
	CauseConnectTimeout
	CauseTransportFailed
	CauseReadTimeout
	CauseDecodeError
	CauseCancelled
	CauseWatchdog
)

// String returns a string representation of the cause
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseDeviceNotFound:
		return "device_not_found"
	case CauseConnectTimeout:
		return "connect_timeout"
	case CauseTransportFailed:
		return "transport_failed"
	case CauseReadTimeout:
		return "read_timeout"
	case CauseDecodeError:
		return "decode_error"
	case CauseCancelled:
		return "cancelled"
	case CauseWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}
