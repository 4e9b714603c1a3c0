package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swap-station/ble/hal"
	"swap-station/swap/fsm"
)

// ErrCancelRejected is returned for a plain cancel while the energy read is
// in flight. Only a forced cancel tears the session down at that point.
var ErrCancelRejected = errors.New("cancel rejected: energy read in progress")

// ErrSessionLive is returned when a second session is started while one is
// still running. Sessions are never silently parallel.
var ErrSessionLive = errors.New("a connection session is already live")

// progressByState drives the operator progress bar. Monotone by
// construction: setProgress never goes backwards. Feedback only, no control
// flow depends on it.
var progressByState = map[fsm.State]int{
	fsm.StateIdle:            0,
	fsm.StateScanning:        10,
	fsm.StateConnecting:      35,
	fsm.StateReadingIdentity: 60,
	fsm.StateReadingEnergy:   80,
	fsm.StateSucceeded:       100,
}

// SessionStatus is the operator-facing snapshot of a session
type SessionStatus struct {
	Target             string
	Phase              string
	RetryCount         int
	Progress           int
	StartedAt          time.Time
	FailureReason      string
	RadioResetRequired bool
}

// SessionConfig configures one connection session
type SessionConfig struct {
	// Target is the raw scanned/selected identifier (QR payload already
	// parsed down to an identifier string, or a picked device name).
	Target    string
	HAL       hal.HAL
	Discovery *Discovery
	Timings   fsm.Timings
	Log       *slog.Logger

	OnSuccess func(BatteryReading)
	OnFailure func(*Failure)
	OnUpdate  func(SessionStatus)
}

// Session is one scan-to-read attempt against a single battery: discovery,
// loose identity match, connect with bounded retries, then the two ordered
// record reads. All state transitions run on the FSM event queue; the
// blocking transport calls run on per-operation goroutines whose results are
// delivered back as events.
type Session struct {
	mu        sync.Mutex
	rawTarget string
	hal       hal.HAL
	discovery *Discovery
	log       *slog.Logger
	machine   *fsm.StateMachine
	ctx       context.Context
	cancel    context.CancelFunc

	onSuccess func(BatteryReading)
	onFailure func(*Failure)
	onUpdate  func(SessionStatus)

	startedAt time.Time
	progress  int

	// phase mirrors the FSM state, maintained from the state-change
	// callback. Status readers must use this instead of querying the
	// machine: the callback runs inside the machine's transition path,
	// where querying it again would deadlock the event loop.
	phase fsm.State

	// opGen guards against stale async results: every Begin* and every
	// retry bumps the generation, and a completion from an older
	// generation is dropped instead of corrupting the current phase.
	opGen uint64

	matchedAddr   string
	identity      string
	chargePercent int
	energyWh      uint32

	transportReason string
	resetRequired   bool
	retryCount      int

	reading  *BatteryReading
	failure  *Failure
	terminal bool
}

// NewSession builds a session in the idle phase
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		rawTarget: cfg.Target,
		hal:       cfg.HAL,
		discovery: cfg.Discovery,
		log:       cfg.Log,
		onSuccess: cfg.OnSuccess,
		onFailure: cfg.OnFailure,
		onUpdate:  cfg.OnUpdate,
		phase:     fsm.StateIdle,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.machine = fsm.New(s, cfg.Timings, cfg.Log, s.onStateChange)
	return s
}

// Start launches the session
func (s *Session) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.machine.Run(s.ctx)
	s.machine.SendEvent(fsm.EvScanRequested)
}

// Cancel requests session teardown. A plain cancel is rejected while the
// energy read is in flight; a forced cancel is always honored and issues a
// best-effort disconnect regardless of phase.
func (s *Session) Cancel(force bool) error {
	if fsm.IsTerminal(s.machine.State()) {
		return nil
	}
	if force {
		s.machine.SendEvent(fsm.EvForceCancel)
		return nil
	}
	if s.machine.IsInState(fsm.StateReadingEnergy) {
		return ErrCancelRejected
	}
	s.machine.SendEvent(fsm.EvCancel)
	return nil
}

// Phase returns the current session phase
func (s *Session) Phase() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Terminal reports whether the session has ended
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Reading returns the decoded battery reading after a successful session
func (s *Session) Reading() *BatteryReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Status returns the operator-facing snapshot
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		Target:             s.rawTarget,
		Phase:              string(s.phase),
		RetryCount:         s.retryCount,
		Progress:           s.progress,
		StartedAt:          s.startedAt,
		RadioResetRequired: s.resetRequired,
	}
	if s.failure != nil {
		st.FailureReason = s.failure.Reason
	}
	return st
}

func (s *Session) onStateChange(from, to fsm.State) {
	s.mu.Lock()
	s.phase = to
	if p, ok := progressByState[to]; ok && p > s.progress {
		s.progress = p
	}
	s.mu.Unlock()
	s.notifyUpdate()
}

func (s *Session) notifyUpdate() {
	if s.onUpdate != nil {
		s.onUpdate(s.Status())
	}
}

func (s *Session) nextGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opGen++
	return s.opGen
}

func (s *Session) genCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.opGen && !s.terminal
}

// ================================================================
// fsm.SessionActions
// ================================================================

// StartScan arms passive discovery; advertisements flow into the discovered
// set and are matched against the target as they arrive.
func (s *Session) StartScan() error {
	return s.hal.StartScan(s.handleAdvertisement)
}

// StopScan stops discovery. Always called before a connect attempt: the
// radio is a single shared resource and a connect must not race a scan.
func (s *Session) StopScan() {
	if err := s.hal.StopScan(); err != nil {
		s.log.Warn("failed to stop scan", "error", err)
	}
}

func (s *Session) handleAdvertisement(adv hal.Advertisement) {
	dev := s.discovery.Observe(adv)

	s.mu.Lock()
	if s.terminal || s.matchedAddr != "" || !MatchesDevice(s.rawTarget, dev) {
		s.mu.Unlock()
		return
	}
	s.matchedAddr = dev.Address
	s.mu.Unlock()

	s.log.Info("target device matched", "address", dev.Address, "name", dev.DisplayName, "signal", dev.Level.String())
	s.machine.SendEvent(fsm.EvDeviceMatched)
}

// BeginConnect starts the asynchronous connect attempt
func (s *Session) BeginConnect() {
	gen := s.nextGen()
	s.mu.Lock()
	addr := s.matchedAddr
	s.mu.Unlock()

	go func() {
		err := s.hal.Connect(addr)
		if !s.genCurrent(gen) {
			return
		}
		if err != nil {
			s.log.Error("connect failed", "address", addr, "error", err)
			s.mu.Lock()
			s.transportReason = err.Error()
			if hal.IsLinkBusyError(err) {
				s.resetRequired = true
			}
			s.mu.Unlock()
			s.machine.FailTransport(fsm.CauseTransportFailed)
			return
		}
		s.machine.SendEvent(fsm.EvConnected)
	}()
}

// NoteConnectRetry is invoked by the FSM when a connect-phase timeout
// re-enters connecting. Bumping the generation drops any late completion of
// the timed-out attempt.
func (s *Session) NoteConnectRetry(attempt int) {
	s.nextGen()
	s.mu.Lock()
	s.retryCount = attempt
	s.mu.Unlock()
	s.log.Warn("connect timed out, retrying", "attempt", attempt)
	s.notifyUpdate()
}

// BeginReadIdentity starts the identity record read. Identity is read before
// energy: the identity labels the eventual reading.
func (s *Session) BeginReadIdentity() {
	gen := s.nextGen()
	go func() {
		data, err := s.hal.ReadIdentity()
		if !s.genCurrent(gen) {
			return
		}
		if err != nil {
			s.failRead("identity", err)
			return
		}
		identity, err := decodeIdentityRecord(data)
		if err != nil {
			s.log.Error("identity record decode failed", "error", err)
			s.machine.SendEvent(fsm.EvDecodeFailed)
			return
		}
		s.mu.Lock()
		s.identity = identity
		s.mu.Unlock()
		s.log.Info("identity record read", "identity", identity)
		s.machine.SendEvent(fsm.EvIdentityRead)
	}()
}

// BeginReadEnergy starts the energy record read
func (s *Session) BeginReadEnergy() {
	gen := s.nextGen()
	go func() {
		data, err := s.hal.ReadEnergy()
		if !s.genCurrent(gen) {
			return
		}
		if err != nil {
			s.failRead("energy", err)
			return
		}
		charge, energyWh, err := decodeEnergyRecord(data)
		if err != nil {
			s.log.Error("energy record decode failed", "error", err)
			s.machine.SendEvent(fsm.EvDecodeFailed)
			return
		}
		s.mu.Lock()
		s.chargePercent = charge
		s.energyWh = energyWh
		s.mu.Unlock()
		s.log.Info("energy record read", "charge", charge, "energy_wh", energyWh)
		s.machine.SendEvent(fsm.EvEnergyRead)
	}()
}

func (s *Session) failRead(record string, err error) {
	s.log.Error("record read failed", "record", record, "error", err)
	s.mu.Lock()
	s.transportReason = err.Error()
	if hal.IsLinkBusyError(err) {
		s.resetRequired = true
	}
	s.mu.Unlock()
	s.machine.FailTransport(fsm.CauseTransportFailed)
}

// Succeeded finalizes the session with the decoded reading
func (s *Session) Succeeded() {
	s.mu.Lock()
	reading := newBatteryReading(s.identity, s.chargePercent, s.energyWh, s.matchedAddr)
	s.reading = &reading
	s.mu.Unlock()

	s.log.Info("session succeeded",
		"identity", reading.IdentityID,
		"short_id", reading.ShortID,
		"charge", reading.ChargeLevelPercent,
		"energy_wh", reading.EnergyWattHours)

	s.teardown()
	if s.onSuccess != nil {
		s.onSuccess(reading)
	}
}

// Failed finalizes the session with an operator-facing failure
func (s *Session) Failed(cause fsm.Cause, forced bool) {
	f := s.failureFromCause(cause)
	f.Forced = forced

	s.mu.Lock()
	s.failure = f
	s.mu.Unlock()

	s.log.Error("session failed", "cause", cause.String(), "forced", forced, "reason", f.Reason)

	s.teardown()
	s.notifyUpdate()
	if s.onFailure != nil {
		s.onFailure(f)
	}
}

func (s *Session) failureFromCause(cause fsm.Cause) *Failure {
	s.mu.Lock()
	reason := s.transportReason
	reset := s.resetRequired
	retries := s.retryCount
	s.mu.Unlock()

	switch cause {
	case fsm.CauseDeviceNotFound:
		return newFailure(FailDeviceNotFound, fmt.Sprintf("no nearby device matched %q", s.rawTarget))
	case fsm.CauseConnectTimeout:
		return newFailure(FailConnectionTimeout, fmt.Sprintf("connection timeout after %d attempts", retries+1))
	case fsm.CauseTransportFailed:
		if reset {
			return newFailure(FailBluetoothResetRequired, reason)
		}
		if reason == "" {
			reason = "transport failure"
		}
		return newFailure(FailConnectionFailed, reason)
	case fsm.CauseReadTimeout:
		return newFailure(FailReadTimeout, "record read timed out")
	case fsm.CauseDecodeError:
		return newFailure(FailDecodeError, "malformed record payload")
	case fsm.CauseCancelled:
		return newFailure(FailCancelled, "session cancelled")
	case fsm.CauseWatchdog:
		return newFailure(FailWatchdogExpired, "session watchdog expired")
	default:
		return newFailure(FailConnectionFailed, "unknown failure")
	}
}

// teardown runs on every terminal transition: drop in-flight operations,
// best-effort disconnect, stop scanning, stop the FSM. The watchdog timer is
// owned by the active state and was cancelled by the terminal transition.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.opGen++
	addr := s.matchedAddr
	s.mu.Unlock()

	if err := s.hal.StopScan(); err != nil {
		s.log.Debug("stop scan during teardown", "error", err)
	}
	if addr != "" {
		if err := s.hal.Disconnect(addr); err != nil {
			s.log.Debug("disconnect during teardown", "error", err)
		}
	}

	// Stop the FSM loop off the event thread
	go s.cancel()
}
