package swap

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-station/ble/hal"
	"swap-station/swap/fsm"
)

// fakeHAL is a scripted transport for session tests. Reads and connects
// either answer immediately, fail, or hang until the test releases them.
type fakeHAL struct {
	mu     sync.Mutex
	scanCB hal.AdvertisementCallback

	connectErr  error
	connectHang bool

	identityData []byte
	identityErr  error

	energyData []byte
	energyErr  error
	energyHang bool

	connectAttempts      int
	scanStoppedAtConnect bool
	stopScanCalls        int
	disconnected         []string

	release chan struct{}
}

func newFakeHAL(t *testing.T) *fakeHAL {
	f := &fakeHAL{release: make(chan struct{})}
	t.Cleanup(func() { close(f.release) })
	return f
}

func (f *fakeHAL) Initialize() error { return nil }
func (f *fakeHAL) Deinitialize()     {}

func (f *fakeHAL) StartScan(cb hal.AdvertisementCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCB = cb
	return nil
}

func (f *fakeHAL) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopScanCalls++
	f.scanCB = nil
	return nil
}

func (f *fakeHAL) Connect(address string) error {
	f.mu.Lock()
	f.connectAttempts++
	f.scanStoppedAtConnect = f.scanCB == nil
	hang := f.connectHang
	err := f.connectErr
	f.mu.Unlock()
	if hang {
		<-f.release
		return hal.NewError(hal.ErrDeviceGone, "released")
	}
	return err
}

func (f *fakeHAL) Disconnect(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, address)
	return nil
}

func (f *fakeHAL) ReadIdentity() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identityData, f.identityErr
}

func (f *fakeHAL) ReadEnergy() ([]byte, error) {
	f.mu.Lock()
	hang := f.energyHang
	data, err := f.energyData, f.energyErr
	f.mu.Unlock()
	if hang {
		<-f.release
		return nil, hal.NewError(hal.ErrDeviceGone, "released")
	}
	return data, err
}

func (f *fakeHAL) GetState() hal.State { return hal.StateIdle }

// advertise delivers one advertisement through the registered scan callback
func (f *fakeHAL) advertise(adv hal.Advertisement) {
	f.mu.Lock()
	cb := f.scanCB
	f.mu.Unlock()
	if cb != nil {
		cb(adv)
	}
}

func (f *fakeHAL) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectAttempts
}

func energyRecord(charge byte, wattHours uint32) []byte {
	data := make([]byte, 8)
	data[0] = charge
	binary.LittleEndian.PutUint32(data[4:8], wattHours)
	return data
}

func testTimings() fsm.Timings {
	return fsm.Timings{
		Scan:     2 * time.Second,
		Connect:  60 * time.Millisecond,
		Read:     2 * time.Second,
		Watchdog: 10 * time.Second,
	}
}

type sessionResult struct {
	mu      sync.Mutex
	reading *BatteryReading
	failure *Failure
}

func (r *sessionResult) onSuccess(b BatteryReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reading = &b
}

func (r *sessionResult) onFailure(f *Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = f
}

func (r *sessionResult) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reading != nil || r.failure != nil
}

func (r *sessionResult) get() (*BatteryReading, *Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reading, r.failure
}

func startSession(t *testing.T, f *fakeHAL, target string, timings fsm.Timings) (*Session, *sessionResult) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := &sessionResult{}
	s := NewSession(SessionConfig{
		Target:    target,
		HAL:       f,
		Discovery: NewDiscovery(log),
		Timings:   timings,
		Log:       log,
		OnSuccess: res.onSuccess,
		OnFailure: res.onFailure,
	})
	s.Start()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.scanCB != nil
	}, time.Second, 5*time.Millisecond, "session never armed the scan")
	return s, res
}

func TestSessionHappyPath(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyData = energyRecord(85, 25500)

	s, res := startSession(t, f, "BO724525070000", testTimings())

	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "BAT:BO724525070000", RSSI: -52})

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	reading, failure := res.get()
	require.Nil(t, failure)
	require.NotNil(t, reading)

	assert.Equal(t, "BO724525070000", reading.IdentityID)
	assert.Equal(t, "070000", reading.ShortID)
	assert.Equal(t, 85, reading.ChargeLevelPercent)
	assert.Equal(t, uint32(25500), reading.EnergyWattHours)
	assert.InDelta(t, 25.5, reading.EnergyKwh(), 1e-9)
	assert.Equal(t, "C0:28:8D:07:00:00", reading.SourceAddress)

	assert.True(t, s.Terminal())
	require.Eventually(t, func() bool {
		return s.Phase() == fsm.StateSucceeded
	}, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.True(t, f.scanStoppedAtConnect, "connect raced the scan")
	assert.Contains(t, f.disconnected, "C0:28:8D:07:00:00")
}

func TestSessionIgnoresNonMatchingDevices(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyData = energyRecord(50, 20000)

	_, res := startSession(t, f, "070000", testTimings())

	f.advertise(hal.Advertisement{Address: "AA:BB:CC:11:22:33", LocalName: "BAT:OTHER99", RSSI: -40})
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "BAT:BO724525070000", RSSI: -70})

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	reading, _ := res.get()
	require.NotNil(t, reading)
	assert.Equal(t, "C0:28:8D:07:00:00", reading.SourceAddress)
	assert.Equal(t, 1, f.attempts())
}

func TestSessionScanTimeout(t *testing.T) {
	f := newFakeHAL(t)
	timings := testTimings()
	timings.Scan = 80 * time.Millisecond

	_, res := startSession(t, f, "070000", timings)

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailDeviceNotFound, failure.Kind)
	assert.False(t, failure.Forced)
	assert.Equal(t, 0, f.attempts())
}

// After the connect timer expires MaxConnectRetries times past the first
// attempt, the session must land in failed rather than retry forever.
func TestSessionConnectRetryBound(t *testing.T) {
	f := newFakeHAL(t)
	f.connectHang = true

	s, res := startSession(t, f, "070000", testTimings())
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "BAT:BO724525070000", RSSI: -60})

	require.Eventually(t, res.done, 3*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)

	assert.Equal(t, FailConnectionTimeout, failure.Kind)
	assert.False(t, failure.Forced)
	assert.Contains(t, failure.Reason, "3 attempts")
	assert.Equal(t, 1+fsm.MaxConnectRetries, f.attempts())
	require.Eventually(t, func() bool {
		return s.Phase() == fsm.StateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestSessionConnectFailureNeedsReset(t *testing.T) {
	f := newFakeHAL(t)
	f.connectErr = hal.NewError(hal.ErrLinkBusy, "operation already in progress")

	_, res := startSession(t, f, "070000", testTimings())
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "", RSSI: -60})

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailBluetoothResetRequired, failure.Kind)
	assert.True(t, failure.RadioResetRequired)
	assert.NotEmpty(t, failure.Remediation)
}

func TestSessionMalformedEnergyRecord(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyData = []byte{101, 0, 0, 0, 0, 0, 0, 0} // charge over 100

	_, res := startSession(t, f, "070000", testTimings())
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "", RSSI: -60})

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailDecodeError, failure.Kind)
}

func TestSessionPlainCancelDuringScan(t *testing.T) {
	f := newFakeHAL(t)
	s, res := startSession(t, f, "070000", testTimings())

	require.NoError(t, s.Cancel(false))

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailCancelled, failure.Kind)
	assert.False(t, failure.Forced)
}

// While the energy read is in flight a plain cancel is rejected, and the
// session watchdog still fires and forces the failure. Cancel rejection must
// never let a session outlive its watchdog.
func TestSessionWatchdogOverridesCancelRejection(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyHang = true

	timings := testTimings()
	timings.Read = 5 * time.Second
	timings.Connect = time.Second
	timings.Watchdog = 600 * time.Millisecond

	s, res := startSession(t, f, "070000", timings)
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "", RSSI: -60})

	require.Eventually(t, func() bool {
		return s.Phase() == fsm.StateReadingEnergy
	}, 2*time.Second, 5*time.Millisecond, "session never reached the energy read")

	assert.ErrorIs(t, s.Cancel(false), ErrCancelRejected)

	require.Eventually(t, res.done, 3*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailWatchdogExpired, failure.Kind)
	assert.True(t, failure.Forced)
}

func TestSessionForceCancelDuringEnergyRead(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyHang = true

	timings := testTimings()
	timings.Connect = time.Second

	s, res := startSession(t, f, "070000", timings)
	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "", RSSI: -60})

	require.Eventually(t, func() bool {
		return s.Phase() == fsm.StateReadingEnergy
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(true))

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailCancelled, failure.Kind)
	assert.True(t, failure.Forced)
}

// Status updates are emitted from inside the FSM's transition path, so they
// must come from the session's own snapshot. A status observer on a failing
// session must see the session run to completion and the terminal phase.
func TestSessionStatusUpdatesThroughFailure(t *testing.T) {
	f := newFakeHAL(t)
	timings := testTimings()
	timings.Scan = 80 * time.Millisecond

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := &sessionResult{}
	var mu sync.Mutex
	var phases []string
	s := NewSession(SessionConfig{
		Target:    "070000",
		HAL:       f,
		Discovery: NewDiscovery(log),
		Timings:   timings,
		Log:       log,
		OnSuccess: res.onSuccess,
		OnFailure: res.onFailure,
		OnUpdate: func(st SessionStatus) {
			mu.Lock()
			phases = append(phases, st.Phase)
			mu.Unlock()
		},
	})
	s.Start()

	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond,
		"session with a status observer never reached a terminal state")
	_, failure := res.get()
	require.NotNil(t, failure)
	assert.Equal(t, FailDeviceNotFound, failure.Kind)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == string(fsm.StateFailed)
	}, time.Second, 5*time.Millisecond, "terminal status update never arrived")
	assert.Equal(t, string(fsm.StateFailed), s.Status().Phase)
	assert.NotEmpty(t, s.Status().FailureReason)
}

func TestSessionProgressNeverRegresses(t *testing.T) {
	f := newFakeHAL(t)
	f.identityData = []byte("BO724525070000")
	f.energyData = energyRecord(85, 25500)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := &sessionResult{}
	var mu sync.Mutex
	var seen []int
	s := NewSession(SessionConfig{
		Target:    "070000",
		HAL:       f,
		Discovery: NewDiscovery(log),
		Timings:   testTimings(),
		Log:       log,
		OnSuccess: res.onSuccess,
		OnFailure: res.onFailure,
		OnUpdate: func(st SessionStatus) {
			mu.Lock()
			seen = append(seen, st.Progress)
			mu.Unlock()
		},
	})
	s.Start()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.scanCB != nil
	}, time.Second, 5*time.Millisecond)

	f.advertise(hal.Advertisement{Address: "C0:28:8D:07:00:00", LocalName: "", RSSI: -60})
	require.Eventually(t, res.done, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 100
	}, time.Second, 5*time.Millisecond, "final progress update never arrived")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
}
