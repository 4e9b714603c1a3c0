package hal

import (
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATT surface exposed by swap batteries. The identity and energy records
// are plain characteristic reads on the battery service.
const (
	BatteryServiceUUID      = "0000f00d-6272-7377-6170-737461746e31"
	IdentityRecordCharUUID  = "0000f00e-6272-7377-6170-737461746e31"
	EnergyRecordCharUUID    = "0000f00f-6272-7377-6170-737461746e31"
)

// BluetoothHAL implements HAL on top of tinygo.org/x/bluetooth
type BluetoothHAL struct {
	mu      sync.Mutex
	adapter *bluetooth.Adapter
	log     LogCallback
	state   State

	scanning bool
	scanDone chan struct{}
	scanCB   AdvertisementCallback

	// Native addresses seen during the scan, keyed by their string form.
	// Connect takes the string form, so we keep the originals around.
	seen map[string]bluetooth.Address

	device       bluetooth.Device
	connected    bool
	connectedTo  string
	identityChar *bluetooth.DeviceCharacteristic
	energyChar   *bluetooth.DeviceCharacteristic
}

// NewBluetoothHAL creates a HAL bound to the default system adapter
func NewBluetoothHAL(log LogCallback) *BluetoothHAL {
	if log == nil {
		log = func(LogLevel, string) {}
	}
	return &BluetoothHAL{
		adapter: bluetooth.DefaultAdapter,
		log:     log,
		seen:    make(map[string]bluetooth.Address),
	}
}

func (h *BluetoothHAL) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateUninitialized {
		return nil
	}
	if err := h.adapter.Enable(); err != nil {
		return NewError(ErrRadioUnavailable, fmt.Sprintf("failed to enable adapter: %v", err))
	}
	h.state = StateIdle
	h.log(LogLevelInfo, "Bluetooth adapter enabled")
	return nil
}

func (h *BluetoothHAL) Deinitialize() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.scanning {
		h.adapter.StopScan()
		h.scanning = false
	}
	if h.connected {
		h.device.Disconnect()
		h.connected = false
	}
	h.identityChar = nil
	h.energyChar = nil
	h.state = StateUninitialized
}

func (h *BluetoothHAL) StartScan(cb AdvertisementCallback) error {
	h.mu.Lock()
	if h.state == StateUninitialized {
		h.mu.Unlock()
		return NewError(ErrRadioUnavailable, "adapter not initialized")
	}
	if h.scanning {
		// Scan is already running: hand delivery over to the new callback.
		h.scanCB = cb
		h.mu.Unlock()
		return nil
	}
	h.scanCB = cb
	h.scanning = true
	h.scanDone = make(chan struct{})
	done := h.scanDone
	h.state = StateScanning
	h.mu.Unlock()

	// adapter.Scan blocks until StopScan, so it runs on its own goroutine
	// and advertisements are handed to the callback as discrete events.
	go func() {
		defer close(done)
		err := h.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()

			h.mu.Lock()
			h.seen[addr] = result.Address
			deliver := h.scanCB
			h.mu.Unlock()

			if deliver == nil {
				return
			}
			deliver(Advertisement{
				Address:   addr,
				LocalName: result.LocalName(),
				RSSI:      result.RSSI,
			})
		})
		h.mu.Lock()
		wasScanning := h.scanning
		h.scanning = false
		if h.state == StateScanning {
			h.state = StateIdle
		}
		h.mu.Unlock()
		if err != nil && wasScanning {
			h.log(LogLevelError, fmt.Sprintf("scan terminated: %v", err))
		}
	}()

	h.log(LogLevelDebug, "advertisement scan started")
	return nil
}

func (h *BluetoothHAL) StopScan() error {
	h.mu.Lock()
	if !h.scanning {
		h.mu.Unlock()
		return nil
	}
	h.scanning = false
	done := h.scanDone
	h.mu.Unlock()

	if err := h.adapter.StopScan(); err != nil {
		return NewError(ErrRadioUnavailable, fmt.Sprintf("failed to stop scan: %v", err))
	}
	if done != nil {
		<-done
	}
	h.mu.Lock()
	if h.state == StateScanning {
		h.state = StateIdle
	}
	h.mu.Unlock()
	h.log(LogLevelDebug, "advertisement scan stopped")
	return nil
}

func (h *BluetoothHAL) Connect(address string) error {
	h.mu.Lock()
	if h.connected {
		h.mu.Unlock()
		return NewError(ErrLinkBusy, fmt.Sprintf("already connected to %s", h.connectedTo))
	}
	native, ok := h.seen[address]
	h.mu.Unlock()
	if !ok {
		return NewError(ErrDeviceGone, fmt.Sprintf("address %s was never discovered", address))
	}

	h.mu.Lock()
	h.state = StateConnecting
	h.mu.Unlock()

	device, err := h.adapter.Connect(native, bluetooth.ConnectionParams{})
	if err != nil {
		h.mu.Lock()
		h.state = StateIdle
		h.mu.Unlock()
		if IsLinkBusyError(err) {
			return NewError(ErrLinkBusy, err.Error())
		}
		return NewError(ErrDeviceGone, fmt.Sprintf("connect to %s failed: %v", address, err))
	}

	identityChar, energyChar, err := discoverRecordChars(device)
	if err != nil {
		device.Disconnect()
		h.mu.Lock()
		h.state = StateIdle
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	h.device = device
	h.connected = true
	h.connectedTo = address
	h.identityChar = identityChar
	h.energyChar = energyChar
	h.state = StateConnected
	h.mu.Unlock()

	h.log(LogLevelInfo, fmt.Sprintf("connected to %s", address))
	return nil
}

func discoverRecordChars(device bluetooth.Device) (identity, energy *bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, NewError(ErrDeviceGone, fmt.Sprintf("service discovery failed: %v", err))
	}

	var batterySvc *bluetooth.DeviceService
	for i := range services {
		if strings.EqualFold(services[i].UUID().String(), BatteryServiceUUID) {
			batterySvc = &services[i]
			break
		}
	}
	if batterySvc == nil {
		return nil, nil, NewError(ErrBadRecord, "battery service not present on device")
	}

	chars, err := batterySvc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, nil, NewError(ErrDeviceGone, fmt.Sprintf("characteristic discovery failed: %v", err))
	}
	for i := range chars {
		switch {
		case strings.EqualFold(chars[i].UUID().String(), IdentityRecordCharUUID):
			identity = &chars[i]
		case strings.EqualFold(chars[i].UUID().String(), EnergyRecordCharUUID):
			energy = &chars[i]
		}
	}
	if identity == nil || energy == nil {
		return nil, nil, NewError(ErrBadRecord, "battery record characteristics not present on device")
	}
	return identity, energy, nil
}

func (h *BluetoothHAL) Disconnect(address string) error {
	h.mu.Lock()
	if !h.connected || h.connectedTo != address {
		h.mu.Unlock()
		return nil
	}
	device := h.device
	h.connected = false
	h.connectedTo = ""
	h.identityChar = nil
	h.energyChar = nil
	h.state = StateIdle
	h.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return NewError(ErrDeviceGone, fmt.Sprintf("disconnect from %s failed: %v", address, err))
	}
	h.log(LogLevelInfo, fmt.Sprintf("disconnected from %s", address))
	return nil
}

func (h *BluetoothHAL) ReadIdentity() ([]byte, error) {
	return h.readRecord(func() *bluetooth.DeviceCharacteristic { return h.identityChar })
}

func (h *BluetoothHAL) ReadEnergy() ([]byte, error) {
	return h.readRecord(func() *bluetooth.DeviceCharacteristic { return h.energyChar })
}

func (h *BluetoothHAL) readRecord(char func() *bluetooth.DeviceCharacteristic) ([]byte, error) {
	h.mu.Lock()
	c := char()
	connected := h.connected
	h.mu.Unlock()

	if !connected || c == nil {
		return nil, NewError(ErrNotConnected, "no active connection")
	}

	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil {
		return nil, NewError(ErrDeviceGone, fmt.Sprintf("record read failed: %v", err))
	}
	return buf[:n], nil
}

func (h *BluetoothHAL) GetState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
