package swap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"BO724525070000",
		"BAT-BO724525070000",
		"  bat- BO 7245 25070000 ",
		"pack-BAT-XYZ123",
		"batt-batt-070000x",
		"AA:BB:CC:DD:EE:FF",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize must be idempotent for %q", in)
	}
}

func TestNormalizeStripsPrefixAndWhitespace(t *testing.T) {
	assert.Equal(t, "bo724525070000", Normalize("BAT-BO724525070000"))
	assert.Equal(t, "bo724525070000", Normalize("  BO 7245 2507 0000 "))
	assert.Equal(t, "xyz123", Normalize("pack-batt-XYZ123"))
}

func TestLooseMatch(t *testing.T) {
	tests := []struct {
		name      string
		wanted    string
		candidate string
		want      bool
	}{
		{"exact", "BO724525070000", "BO724525070000", true},
		{"case and whitespace", "bo 724525070000", "BO724525070000", true},
		{"candidate contains wanted", "070000", "BO724525070000", true},
		{"wanted contains candidate", "BO724525070000", "070000", true},
		{"suffix match", "XX070000", "BO724525070000", true},
		{"vendor prefix stripped", "BAT-BO724525070000", "BO724525070000", true},
		{"different suffix", "070001", "BO724525070000", false},
		{"empty wanted", "", "BO724525070000", false},
		{"empty candidate", "BO724525070000", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooseMatch(tt.wanted, tt.candidate))
		})
	}
}

// The loose tier accepts a bare suffix, the strict tier must reject it: once
// the full identity has been read, a shared suffix is not enough.
func TestStrictMatchRejectsSuffixShortcut(t *testing.T) {
	expected := "070000"
	actual := "BO724525070000"

	assert.True(t, LooseMatch(expected, actual))
	assert.False(t, StrictMatch(expected, actual))
}

func TestStrictMatch(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{"exact", "BO724525070000", "BO724525070000", true},
		{"expected carries decoration", "BAT-BO724525070000", "BO724525070000", true},
		{"fragment expected", "070000", "BO724525070000", false},
		{"different identity", "BO724525070001", "BO724525070000", false},
		{"empty expected", "", "BO724525070000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StrictMatch(tt.expected, tt.actual))
		})
	}
}

func TestMatchesDeviceByAddressSuffix(t *testing.T) {
	dev := DiscoveredDevice{
		Address:     "C0:28:8D:07:00:00",
		DisplayName: "",
	}
	assert.True(t, MatchesDevice("070000", dev))
	assert.False(t, MatchesDevice("070001", dev))
}

func TestParseScanPayload(t *testing.T) {
	assert.Equal(t, "BO724525070000", ParseScanPayload(`{"batteryId":"BO724525070000"}`))
	assert.Equal(t, "C0288D070000", ParseScanPayload(`{"deviceId":"C0288D070000"}`))
	assert.Equal(t, "BO724525070000", ParseScanPayload(`{"batteryId":"BO724525070000","deviceId":"ignored"}`))
	assert.Equal(t, "BO724525070000", ParseScanPayload("  BO724525070000 "))
	// Malformed JSON falls back to the bare string
	assert.Equal(t, `{"batteryId":`, ParseScanPayload(`{"batteryId":`))
}

func TestShortIdentity(t *testing.T) {
	assert.Equal(t, "070000", ShortIdentity("BO724525070000"))
	assert.Equal(t, "ABC", ShortIdentity("abc"))
}
