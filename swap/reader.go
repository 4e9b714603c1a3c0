package swap

import (
	"fmt"
	"strings"
)

// Record layout exposed by the battery over the wireless link.
// The identity record carries a manufacturer-assigned ASCII identity string.
// The energy record is little-endian: byte 0 is the charge percentage,
// bytes 1..3 are reserved, bytes 4..7 the remaining energy in watt-hours.
const (
	energyRecordMinLen = 8
	shortIDLen         = 6
)

// decodeIdentityRecord decodes the identity record into the battery's
// identity string. Malformed payloads are decode errors, treated by the
// session exactly like a read timeout.
func decodeIdentityRecord(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("identity record is empty")
	}

	id := strings.TrimRight(string(data), "\x00 ")
	if id == "" {
		return "", fmt.Errorf("identity record is all zero")
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", fmt.Errorf("identity record contains non-printable byte 0x%02x at offset %d", id[i], i)
		}
	}
	return id, nil
}

// decodeEnergyRecord decodes the energy record into a charge percentage and
// the remaining energy in watt-hours.
func decodeEnergyRecord(data []byte) (chargePercent int, energyWh uint32, err error) {
	if len(data) < energyRecordMinLen {
		return 0, 0, fmt.Errorf("energy record too short: %d bytes", len(data))
	}

	chargePercent = int(data[0])
	if chargePercent > 100 {
		return 0, 0, fmt.Errorf("charge percentage out of range: %d", chargePercent)
	}

	energyWh = uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24
	return chargePercent, energyWh, nil
}

// ShortIdentity derives the display form of an identity: the last six
// characters of the normalized identity, matching what is printed on the
// battery housing.
func ShortIdentity(identity string) string {
	n := Normalize(identity)
	if len(n) <= shortIDLen {
		return strings.ToUpper(n)
	}
	return strings.ToUpper(n[len(n)-shortIDLen:])
}

// newBatteryReading assembles the immutable reading emitted on session
// success. The identity read always precedes the energy read, so the
// identity is available to label the reading.
func newBatteryReading(identity string, chargePercent int, energyWh uint32, sourceAddress string) BatteryReading {
	return BatteryReading{
		IdentityID:         identity,
		ShortID:            ShortIdentity(identity),
		ChargeLevelPercent: chargePercent,
		EnergyWattHours:    energyWh,
		SourceAddress:      sourceAddress,
	}
}
