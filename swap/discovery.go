package swap

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"swap-station/ble/hal"
)

// Discovery maintains the live discovered-set fed by advertisement events.
// Records sharing an address are merged last-seen-wins, never duplicated,
// and no advertisement is dropped for being already known.
type Discovery struct {
	mu      sync.Mutex
	devices map[string]DiscoveredDevice
	log     *slog.Logger
}

// NewDiscovery creates an empty discovered-set
func NewDiscovery(log *slog.Logger) *Discovery {
	return &Discovery{
		devices: make(map[string]DiscoveredDevice),
		log:     log,
	}
}

// Observe merges one advertisement into the set and returns the merged record
func (d *Discovery) Observe(adv hal.Advertisement) DiscoveredDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, known := d.devices[adv.Address]
	dev.Address = adv.Address
	dev.RSSI = adv.RSSI
	dev.Level = SignalLevelFromRSSI(adv.RSSI)
	dev.LastSeenAt = time.Now()
	if adv.LocalName != "" {
		dev.DisplayName = adv.LocalName
	}
	d.devices[adv.Address] = dev

	if !known {
		d.log.Debug("discovered device", "address", adv.Address, "name", dev.DisplayName, "rssi", adv.RSSI)
	}
	return dev
}

// Snapshot returns the current discovered-set, strongest signal first
func (d *Discovery) Snapshot() []DiscoveredDevice {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DiscoveredDevice, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Clear empties the discovered-set, e.g. when the scan target changes
func (d *Discovery) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = make(map[string]DiscoveredDevice)
}
