package swap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"swap-station/ble/hal"
	"swap-station/store"
	"swap-station/swap/fsm"
)

// Service runs the swap-station core: one battery step at a time (old slot,
// then new slot), each step a connection session; once both readings are in,
// the cost calculator and quota policy produce the payment decision.
type Service struct {
	mu     sync.Mutex
	config *ServiceConfig
	logger *slog.Logger
	logOut io.Writer

	redis     *redis.Client
	hal       hal.HAL
	ledger    *store.Store
	discovery *Discovery
	timings   fsm.Timings

	ctx    context.Context
	cancel context.CancelFunc

	session     *Session
	sessionSlot Slot
	expected    string
	readings    map[Slot]*BatteryReading
	inhibitor   *SuspendInhibitor
}

// NewService creates a new swap station service
func NewService(config *ServiceConfig, transport hal.HAL, ledger *store.Store, logOut io.Writer) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:    config,
		logger:    slog.New(NewTagHandler(logOut, LogLevel(config.LogLevel), "service")),
		logOut:    logOut,
		hal:       transport,
		ledger:    ledger,
		timings:   fsm.DefaultTimings(),
		ctx:       ctx,
		cancel:    cancel,
		readings:  make(map[Slot]*BatteryReading),
	}
	s.discovery = NewDiscovery(s.logger)

	s.redis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", config.RedisServerAddress, config.RedisServerPort),
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return s, nil
}

// SetTimings overrides the session timer durations
func (s *Service) SetTimings(t fsm.Timings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = t
}

// Start starts the swap station service
func (s *Service) Start() error {
	if err := s.hal.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}

	// Idle discovery keeps the discovered-set live for the host's device
	// picker before any session exists.
	if err := s.hal.StartScan(s.observeAdvertisement); err != nil {
		s.logger.Warn("idle discovery unavailable", "error", err)
	}

	if inh, err := NewSuspendInhibitor(); err != nil {
		s.logger.Debug("suspend inhibitor unavailable", "error", err)
	} else {
		s.inhibitor = inh
	}

	go s.handleRedisSubscription()

	s.clearSwapState()
	s.logger.Info("swap station service started")
	return nil
}

// Stop stops the service, tearing down any live session
func (s *Service) Stop() {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session != nil && !session.Terminal() {
		session.Cancel(true)
	}

	s.cancel()
	s.hal.Deinitialize()
	if s.inhibitor != nil {
		s.inhibitor.Close()
	}

	if err := s.redis.Close(); err != nil {
		s.logger.Warn("error closing Redis connection", "error", err)
	}
	s.logger.Info("swap station service stopped")
}

func (s *Service) observeAdvertisement(adv hal.Advertisement) {
	s.discovery.Observe(adv)
}

// Discovery exposes the live discovered-set
func (s *Service) Discovery() *Discovery {
	return s.discovery
}

// StartBatteryStep begins the connection session for one slot. The payload
// is the scanned QR payload or picked device name; expected is the identity
// on file for a returning customer, empty otherwise. Exactly one session is
// live at a time: a second start is rejected, never silently parallel.
func (s *Service) StartBatteryStep(slot Slot, payload, expected string) error {
	target := ParseScanPayload(payload)
	if target == "" {
		return fmt.Errorf("empty scan payload")
	}

	s.mu.Lock()
	if s.session != nil && !s.session.Terminal() {
		s.mu.Unlock()
		return ErrSessionLive
	}
	s.sessionSlot = slot
	s.expected = expected

	sessionLog := slog.New(NewTagHandler(s.logOut, LogLevel(s.config.LogLevel), fmt.Sprintf("session %s", slot)))
	session := NewSession(SessionConfig{
		Target:    target,
		HAL:       s.hal,
		Discovery: s.discovery,
		Timings:   s.timings,
		Log:       sessionLog,
		OnSuccess: func(reading BatteryReading) { s.handleSessionSuccess(slot, expected, reading) },
		OnFailure: func(f *Failure) { s.handleSessionFailure(slot, f) },
		OnUpdate:  s.publishSessionStatus,
	})
	s.session = session
	s.mu.Unlock()

	s.takeInhibitor(slot)
	s.logger.Info("battery step started", "slot", slot, "target", target)
	session.Start()
	s.publishSessionStatus(session.Status())
	return nil
}

// CancelSession forwards a cancel request to the live session
func (s *Service) CancelSession(force bool) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil || session.Terminal() {
		return fmt.Errorf("no live session")
	}
	return session.Cancel(force)
}

// Reset clears both slots and tears down any live session
func (s *Service) Reset() {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.readings = make(map[Slot]*BatteryReading)
	s.expected = ""
	s.mu.Unlock()

	if session != nil && !session.Terminal() {
		session.Cancel(true)
	}
	s.discovery.Clear()
	s.clearSwapState()
	s.logger.Info("swap state reset")
}

// Reading returns the accepted reading for a slot, if any
func (s *Service) Reading(slot Slot) *BatteryReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readings[slot]
}

func (s *Service) handleSessionSuccess(slot Slot, expected string, reading BatteryReading) {
	s.releaseInhibitor()
	s.rearmDiscovery()

	if f := s.acceptReading(slot, expected, reading); f != nil {
		s.publishStepFailure(slot, f)
		return
	}

	s.mu.Lock()
	oldReading := s.readings[SlotOld]
	newReading := s.readings[SlotNew]
	s.mu.Unlock()

	s.logger.Info("battery step complete",
		"slot", slot,
		"identity", reading.IdentityID,
		"charge", reading.ChargeLevelPercent,
		"energy_wh", reading.EnergyWattHours)
	s.publishReading(slot, reading)

	if oldReading != nil && newReading != nil {
		s.completeSwap(*oldReading, *newReading)
	}
}

// acceptReading validates a session's reading for its slot and stores it.
// Returns the step failure when the reading is rejected.
func (s *Service) acceptReading(slot Slot, expected string, reading BatteryReading) *Failure {
	// The loose tier located the device; now that the authoritative
	// identity is in hand, the strict tier decides whether this is really
	// the customer's battery.
	if expected != "" && !StrictMatch(expected, reading.IdentityID) {
		s.logger.Error("identity mismatch", "slot", slot, "reported", reading.IdentityID, "expected", expected)
		return newFailure(FailIdentityMismatch,
			fmt.Sprintf("battery reports identity %q, expected %q", reading.IdentityID, expected))
	}

	// The same physical battery must never fill both slots. Steps may run
	// in either order, so the check is against the opposite slot.
	other := SlotOld
	if slot == SlotOld {
		other = SlotNew
	}

	s.mu.Lock()
	if prev := s.readings[other]; prev != nil && Normalize(prev.IdentityID) == Normalize(reading.IdentityID) {
		s.mu.Unlock()
		s.logger.Error("duplicate battery", "slot", slot, "identity", reading.IdentityID)
		return newFailure(FailDuplicateBattery,
			fmt.Sprintf("battery %s already presented for the %s slot", reading.ShortID, other))
	}
	s.readings[slot] = &reading
	s.mu.Unlock()
	return nil
}

func (s *Service) handleSessionFailure(slot Slot, f *Failure) {
	s.releaseInhibitor()
	s.rearmDiscovery()
	s.logger.Error("battery step failed",
		"slot", slot,
		"kind", f.Kind.String(),
		"reason", f.Reason,
		"forced", f.Forced,
		"reset_required", f.RadioResetRequired)
	s.publishStepFailure(slot, f)
}

// completeSwap runs the cost calculator and quota policy once both readings
// are present, publishes the decision and appends the ledger row.
func (s *Service) completeSwap(oldReading, newReading BatteryReading) {
	snapshots := s.fetchQuotaSnapshots()
	electricity := FindSnapshot(snapshots, QuotaServiceElectricity)
	swapCount := FindSnapshot(snapshots, QuotaServiceSwapCount)

	quote := SwapQuoteState{
		OldReading: oldReading,
		NewReading: newReading,
		RatePerKwh: s.config.RatePerKwh,
	}
	if electricity != nil {
		quote.ElectricityQuotaRemainingKwh = electricity.Remaining()
	}
	if swapCount != nil {
		quote.SwapQuotaRemainingCount = swapCount.Remaining()
	}

	cost := quote.Compute()
	decision := EvaluateQuotaPolicy(cost, electricity, swapCount)

	s.logger.Info("swap cost computed",
		"energy_diff_kwh", cost.EnergyDiffKwh,
		"quota_deduction_kwh", cost.QuotaDeductionKwh,
		"chargeable_kwh", cost.ChargeableEnergyKwh,
		"gross", cost.GrossEnergyCost,
		"credit", cost.QuotaCreditValue,
		"net", cost.NetCost,
		"can_skip_payment", decision.CanSkipPayment,
		"zero_by_rounding", decision.ZeroCostByRounding)

	s.publishCost(cost, decision)

	if s.ledger != nil {
		rec := &store.SwapRecord{
			OldIdentity:        oldReading.IdentityID,
			NewIdentity:        newReading.IdentityID,
			OldChargePercent:   oldReading.ChargeLevelPercent,
			NewChargePercent:   newReading.ChargeLevelPercent,
			OldEnergyWh:        oldReading.EnergyWattHours,
			NewEnergyWh:        newReading.EnergyWattHours,
			EnergyDiffKwh:      cost.EnergyDiffKwh,
			QuotaDeductionKwh:  cost.QuotaDeductionKwh,
			ChargeableKwh:      cost.ChargeableEnergyKwh,
			GrossEnergyCost:    cost.GrossEnergyCost,
			QuotaCreditValue:   cost.QuotaCreditValue,
			NetCost:            cost.NetCost,
			PaymentSkipped:     decision.CanSkipPayment,
			ZeroCostByRounding: decision.ZeroCostByRounding,
		}
		if err := s.ledger.RecordSwap(rec); err != nil {
			s.logger.Error("failed to record swap", "error", err)
		}
	}
}

// rearmDiscovery re-arms the idle scan after a session released the radio,
// so a later connect attempt never races a stale scan.
func (s *Service) rearmDiscovery() {
	if err := s.hal.StartScan(s.observeAdvertisement); err != nil {
		s.logger.Warn("failed to re-arm discovery", "error", err)
	}
}

func (s *Service) takeInhibitor(slot Slot) {
	if s.inhibitor == nil {
		return
	}
	if err := s.inhibitor.Hold(fmt.Sprintf("battery step %s", slot)); err != nil {
		s.logger.Debug("suspend inhibitor unavailable", "error", err)
	}
}

func (s *Service) releaseInhibitor() {
	if s.inhibitor == nil {
		return
	}
	if err := s.inhibitor.Release(); err != nil {
		s.logger.Warn("failed to release suspend inhibitor", "error", err)
	}
}
