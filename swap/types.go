package swap

import (
	"time"
)

// SignalLevel is the bucketed display form of a raw RSSI value
type SignalLevel int

const (
	SignalLevelNone SignalLevel = iota
	SignalLevelWeak
	SignalLevelFair
	SignalLevelGood
	SignalLevelStrong
)

// String returns a string representation of the signal level
func (l SignalLevel) String() string {
	switch l {
	case SignalLevelWeak:
		return "weak"
	case SignalLevelFair:
		return "fair"
	case SignalLevelGood:
		return "good"
	case SignalLevelStrong:
		return "strong"
	default:
		return "none"
	}
}

// SignalLevelFromRSSI buckets a raw RSSI reading for operator display
func SignalLevelFromRSSI(rssi int16) SignalLevel {
	switch {
	case rssi >= -55:
		return SignalLevelStrong
	case rssi >= -67:
		return SignalLevelGood
	case rssi >= -80:
		return SignalLevelFair
	case rssi >= -90:
		return SignalLevelWeak
	default:
		return SignalLevelNone
	}
}

// DiscoveredDevice is one entry in the live discovered-set. Records are
// ephemeral: merged last-seen-wins on every advertisement and implicitly
// pruned by not appearing in later scans.
type DiscoveredDevice struct {
	Address     string
	DisplayName string
	RSSI        int16
	Level       SignalLevel
	LastSeenAt  time.Time
}

// BatteryReading is the decoded result of a successful read pipeline.
// Created once per successful session and immutable thereafter.
type BatteryReading struct {
	IdentityID         string // read from the device, authoritative
	ShortID            string // derived display form
	ChargeLevelPercent int    // 0..100
	EnergyWattHours    uint32
	SourceAddress      string
}

// EnergyKwh returns the remaining energy in kilowatt-hours
func (r BatteryReading) EnergyKwh() float64 {
	return float64(r.EnergyWattHours) / 1000.0
}

// Slot identifies which side of the swap a battery belongs to
type Slot string

const (
	SlotOld Slot = "old"
	SlotNew Slot = "new"
)

// ServiceConfig represents the configuration for the swap station service
type ServiceConfig struct {
	RedisServerAddress string
	RedisServerPort    uint16
	RatePerKwh         float64
	DatabasePath       string
	LogLevel           int
}
