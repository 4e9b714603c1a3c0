package swap

import "fmt"

// FailureKind classifies terminal failures surfaced to the operator
type FailureKind int

const (
	FailNone FailureKind = iota
	FailDeviceNotFound
	FailConnectionTimeout
	FailConnectionFailed
	FailBluetoothResetRequired
	FailReadTimeout
	FailDecodeError
	FailIdentityMismatch
	FailDuplicateBattery
	FailCancelled
	FailWatchdogExpired
)

// String returns a string representation of the failure kind
func (k FailureKind) String() string {
	switch k {
	case FailDeviceNotFound:
		return "device_not_found"
	case FailConnectionTimeout:
		return "connection_timeout"
	case FailConnectionFailed:
		return "connection_failed"
	case FailBluetoothResetRequired:
		return "bluetooth_reset_required"
	case FailReadTimeout:
		return "read_timeout"
	case FailDecodeError:
		return "decode_error"
	case FailIdentityMismatch:
		return "identity_mismatch"
	case FailDuplicateBattery:
		return "duplicate_battery_reused"
	case FailCancelled:
		return "cancelled"
	case FailWatchdogExpired:
		return "watchdog_expired"
	default:
		return "none"
	}
}

// Failure is a terminal, operator-facing failure of a battery step
type Failure struct {
	Kind        FailureKind
	Reason      string
	Remediation string
	// RadioResetRequired marks failures the workflow cannot auto-retry:
	// the operator has to reset the station radio out of band first.
	RadioResetRequired bool
	// Forced marks failures produced by the watchdog or an explicit
	// operator abort rather than by the transport itself.
	Forced bool
}

func (f *Failure) Error() string {
	if f.Remediation != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Kind, f.Reason, f.Remediation)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func newFailure(kind FailureKind, reason string) *Failure {
	f := &Failure{Kind: kind, Reason: reason}
	switch kind {
	case FailDeviceNotFound:
		f.Remediation = "move the battery closer to the station and rescan"
	case FailConnectionTimeout:
		f.Remediation = "rescan the battery"
	case FailBluetoothResetRequired:
		f.Remediation = "toggle the station radio off and on, then rescan"
		f.RadioResetRequired = true
	case FailIdentityMismatch:
		f.Remediation = "verify the battery belongs to this customer and rescan"
	case FailDuplicateBattery:
		f.Remediation = "present a different battery for the new slot"
	}
	return f
}

// IsTerminalForStep reports whether the failure ends the current battery
// step. All kinds do; the connect-phase timeout is only retried inside the
// session, below this level.
func (f *Failure) IsTerminalForStep() bool {
	return f.Kind != FailNone
}
