package fsm

import (
	"context"
	"log/slog"
	"time"

	"github.com/librescoot/librefsm"
)

// Default phase timings. The connect timer is armed per attempt; the
// watchdog is armed once for the whole session and is not reset by phase
// transitions.
const (
	DefaultScanTimeout    = 15 * time.Second
	DefaultConnectTimeout = 8 * time.Second
	DefaultReadTimeout    = 6 * time.Second
	DefaultWatchdog       = 45 * time.Second

	// MaxConnectRetries bounds connect-phase timeout retries. The first
	// attempt is not a retry, so the session tries at most 1+MaxConnectRetries
	// times before failing.
	MaxConnectRetries = 2
)

// Timings holds the per-phase timer durations for one session
type Timings struct {
	Scan     time.Duration
	Connect  time.Duration
	Read     time.Duration
	Watchdog time.Duration
}

// DefaultTimings returns the production timer durations
func DefaultTimings() Timings {
	return Timings{
		Scan:     DefaultScanTimeout,
		Connect:  DefaultConnectTimeout,
		Read:     DefaultReadTimeout,
		Watchdog: DefaultWatchdog,
	}
}

// SessionActions is the interface for transport operations driven by the FSM.
// Begin* methods kick off asynchronous work; completion is reported back by
// sending the matching event.
type SessionActions interface {
	StartScan() error
	StopScan()
	BeginConnect()
	BeginReadIdentity()
	BeginReadEnergy()
	NoteConnectRetry(attempt int)
	Succeeded()
	Failed(cause Cause, forced bool)
}

// fsmData holds the FSM-specific state
type fsmData struct {
	actions    SessionActions
	log        *slog.Logger
	timings    Timings
	maxRetries int

	retryCount int
	cause      Cause
	forced     bool
}

// StateMachine wraps librefsm.Machine for a single connection session
type StateMachine struct {
	machine *librefsm.Machine
	data    *fsmData
	log     *slog.Logger
}

// New creates the state machine for one connection session
func New(actions SessionActions, timings Timings, log *slog.Logger, onChange func(from, to State)) *StateMachine {
	data := &fsmData{
		actions:    actions,
		log:        log,
		timings:    timings,
		maxRetries: MaxConnectRetries,
	}

	def := buildDefinition(data)

	machine, err := def.Build(
		librefsm.WithData(data),
		librefsm.WithLogger(log),
		librefsm.WithStateChangeCallback(func(from, to librefsm.StateID) {
			log.Debug("session transition", "from", from, "to", to)
			if onChange != nil {
				onChange(from, to)
			}
		}),
	)
	if err != nil {
		log.Error("failed to build session FSM", "error", err)
		return nil
	}

	return &StateMachine{
		machine: machine,
		data:    data,
		log:     log,
	}
}

// Run starts the FSM event loop and blocks until ctx is cancelled
func (sm *StateMachine) Run(ctx context.Context) {
	if err := sm.machine.Start(ctx); err != nil {
		sm.log.Error("failed to start session FSM", "error", err)
		return
	}
	<-ctx.Done()
	sm.machine.Stop()
}

// SendEvent sends an event to the FSM
func (sm *StateMachine) SendEvent(id EventID) {
	sm.machine.Send(librefsm.Event{ID: id})
}

// FailTransport records the transport failure cause and drives the FSM to
// failed. Used by the session when an asynchronous operation errors out.
func (sm *StateMachine) FailTransport(cause Cause) {
	sm.data.cause = cause
	sm.machine.Send(librefsm.Event{ID: EvTransportFailed})
}

// State returns the current state
func (sm *StateMachine) State() State {
	return sm.machine.CurrentState()
}

// IsInState checks if the FSM is in the given state or any of its children
func (sm *StateMachine) IsInState(id State) bool {
	return sm.machine.IsInState(id)
}

// RetryCount returns the number of connect-phase retries so far
func (sm *StateMachine) RetryCount() int {
	return sm.data.retryCount
}

// buildDefinition creates the librefsm definition for the session FSM
func buildDefinition(data *fsmData) *librefsm.Definition {
	return librefsm.NewDefinition().

		// Idle - session built but not yet started
		State(StateIdle).

		// Active - parent of every non-terminal working state. The session
		// watchdog is armed exactly once here; the timer belongs to this
		// state, so any transition out of the active hierarchy cancels it.
		State(StateActive,
			librefsm.WithDefaultChild(StateScanning),
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				c.StartTimer("watchdog", d.timings.Watchdog, librefsm.Event{ID: EvWatchdogTimeout})
				return nil
			}),
		).

		// Scanning - passive discovery until the target device is matched
		State(StateScanning,
			librefsm.WithParent(StateActive),
			librefsm.WithTimeout(data.timings.Scan, EvScanTimeout),
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				if err := d.actions.StartScan(); err != nil {
					d.log.Error("failed to start scan", "error", err)
					d.cause = CauseTransportFailed
					c.Send(librefsm.Event{ID: EvTransportFailed})
				}
				return nil
			}),
		).

		// Connecting - scan must be stopped before the connect attempt; the
		// radio is a single shared resource. Re-entered on each retry, which
		// re-arms the connect-phase timer.
		State(StateConnecting,
			librefsm.WithParent(StateActive),
			librefsm.WithTimeout(data.timings.Connect, EvConnectTimeout),
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.actions.StopScan()
				d.actions.BeginConnect()
				return nil
			}),
		).

		// Condition: retry or give up after a connect-phase timeout
		ConditionState(StateCondRetry,
			func(c *librefsm.Context) librefsm.StateID {
				d := c.Data.(*fsmData)
				if d.retryCount < d.maxRetries {
					d.retryCount++
					d.actions.NoteConnectRetry(d.retryCount)
					return StateConnecting
				}
				d.cause = CauseConnectTimeout
				return StateFailed
			},
			librefsm.WithParent(StateActive),
		).

		// Reading identity - first of the two ordered record reads
		State(StateReadingIdentity,
			librefsm.WithParent(StateActive),
			librefsm.WithTimeout(data.timings.Read, EvReadTimeout),
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.actions.BeginReadIdentity()
				return nil
			}),
		).

		// Reading energy - plain cancels are rejected here; only the
		// watchdog or a forced cancel can tear the session down.
		State(StateReadingEnergy,
			librefsm.WithParent(StateActive),
			librefsm.WithTimeout(data.timings.Read, EvReadTimeout),
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.actions.BeginReadEnergy()
				return nil
			}),
		).

		// Terminal states
		State(StateSucceeded,
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.actions.Succeeded()
				return nil
			}),
		).
		State(StateFailed,
			librefsm.WithOnEnter(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.actions.Failed(d.cause, d.forced)
				return nil
			}),
		).

		// ================================================================
		// Transitions
		// ================================================================

		Transition(StateIdle, EvScanRequested, StateActive).

		Transition(StateScanning, EvDeviceMatched, StateConnecting).
		Transition(StateScanning, EvScanTimeout, StateFailed,
			librefsm.WithAction(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.cause = CauseDeviceNotFound
				return nil
			}),
		).

		Transition(StateConnecting, EvConnected, StateReadingIdentity).
		Transition(StateConnecting, EvConnectTimeout, StateCondRetry).

		Transition(StateReadingIdentity, EvIdentityRead, StateReadingEnergy).
		Transition(StateReadingEnergy, EvEnergyRead, StateSucceeded).

		// Read failures are terminal for the session, never retried in-session
		Transition(StateReadingIdentity, EvReadTimeout, StateFailed,
			librefsm.WithAction(setCause(CauseReadTimeout)),
		).
		Transition(StateReadingEnergy, EvReadTimeout, StateFailed,
			librefsm.WithAction(setCause(CauseReadTimeout)),
		).
		Transition(StateReadingIdentity, EvDecodeFailed, StateFailed,
			librefsm.WithAction(setCause(CauseDecodeError)),
		).
		Transition(StateReadingEnergy, EvDecodeFailed, StateFailed,
			librefsm.WithAction(setCause(CauseDecodeError)),
		).

		// Parent-level failures apply to all states under active
		Transition(StateActive, EvTransportFailed, StateFailed).
		Transition(StateActive, EvWatchdogTimeout, StateFailed,
			librefsm.WithAction(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.cause = CauseWatchdog
				d.forced = true
				return nil
			}),
		).
		Transition(StateActive, EvForceCancel, StateFailed,
			librefsm.WithAction(func(c *librefsm.Context) error {
				d := c.Data.(*fsmData)
				d.cause = CauseCancelled
				d.forced = true
				return nil
			}),
		).

		// Plain cancel is deliberately not wired on reading_energy: once the
		// energy read is in flight the event is ignored there.
		Transition(StateScanning, EvCancel, StateFailed,
			librefsm.WithAction(setCause(CauseCancelled)),
		).
		Transition(StateConnecting, EvCancel, StateFailed,
			librefsm.WithAction(setCause(CauseCancelled)),
		).
		Transition(StateReadingIdentity, EvCancel, StateFailed,
			librefsm.WithAction(setCause(CauseCancelled)),
		).

		Initial(StateIdle)
}

func setCause(cause Cause) func(*librefsm.Context) error {
	return func(c *librefsm.Context) error {
		d := c.Data.(*fsmData)
		d.cause = cause
		return nil
	}
}
