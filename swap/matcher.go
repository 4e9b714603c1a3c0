package swap

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Vendor prefixes printed on battery housings and embedded in QR payloads.
// Stripped during normalization so that housing labels, QR payloads and
// on-device identities all compare on the same footing.
var vendorPrefixes = []string{
	"bat:",
	"bat-",
	"batt-",
	"swp-",
	"pack-",
}

// Normalize canonicalizes an identifier for matching: whitespace removed,
// lower-cased, known vendor prefixes stripped. Idempotent.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	s := b.String()

	for stripped := true; stripped; {
		stripped = false
		for _, p := range vendorPrefixes {
			if strings.HasPrefix(s, p) && len(s) > len(p) {
				s = s[len(p):]
				stripped = true
			}
		}
	}
	return s
}

// LooseMatch is the pre-connection tier: it locates a device from a partial
// identifier (QR payload or housing label) among discovered devices. Accepts
// equality, either-way containment, or equal last six characters.
func LooseMatch(wanted, candidate string) bool {
	w, c := Normalize(wanted), Normalize(candidate)
	if w == "" || c == "" {
		return false
	}
	if w == c {
		return true
	}
	if strings.Contains(w, c) || strings.Contains(c, w) {
		return true
	}
	if len(w) >= 6 && len(c) >= 6 && w[len(w)-6:] == c[len(c)-6:] {
		return true
	}
	return false
}

// StrictMatch is the post-read tier: the battery's own reported identity
// against the identity on file for a returning customer. The last-six
// shortcut is disallowed here; two batteries sharing a suffix must be told
// apart once the full identity is available. The on-file record may carry
// decoration around the true identity, so it may contain the reported
// identity, but a mere fragment of it never strictly matches.
func StrictMatch(expected, actual string) bool {
	e, a := Normalize(expected), Normalize(actual)
	if e == "" || a == "" {
		return false
	}
	return e == a || strings.Contains(e, a)
}

// MatchesDevice applies the loose tier to a discovered device, trying both
// its advertised name and its colon-stripped address.
func MatchesDevice(wanted string, dev DiscoveredDevice) bool {
	if dev.DisplayName != "" && LooseMatch(wanted, dev.DisplayName) {
		return true
	}
	return LooseMatch(wanted, strings.ReplaceAll(dev.Address, ":", ""))
}

// scanPayload is the structured form of a scanned QR payload
type scanPayload struct {
	BatteryID string `json:"batteryId"`
	DeviceID  string `json:"deviceId"`
}

// ParseScanPayload extracts the target identifier from a scanned payload.
// Payloads arrive either as JSON with battery/device id fields or as a bare
// identifier string; both are accepted.
func ParseScanPayload(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var p scanPayload
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			if p.BatteryID != "" {
				return p.BatteryID
			}
			if p.DeviceID != "" {
				return p.DeviceID
			}
		}
	}
	return raw
}
