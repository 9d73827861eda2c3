package telemetry

import (
	"fmt"
	"strconv"
	"strings"
)

// Callsign is a validated, uppercased station identifier of the form
// BASE[-SSID]. Adding or removing the SSID yields a different callsign that
// tracks as a separate payload; that is intentional.
type Callsign string

const (
	maxCallsignLength = 9
	minBaseLength     = 3
	maxBaseLength     = 6
	maxSSIDLength     = 2
)

// ParseCallsign validates and normalizes a raw callsign string.
// Rules: BASE is 3-6 uppercase alphanumerics starting with a letter; the
// optional SSID is 1-2 alphanumerics and, when purely numeric, in [1,15].
func ParseCallsign(raw string) (Callsign, error) {
	cs := strings.ToUpper(strings.TrimSpace(raw))
	if cs == "" {
		return "", fmt.Errorf("callsign cannot be empty")
	}
	if len(cs) > maxCallsignLength {
		return "", fmt.Errorf("callsign %q exceeds maximum length of %d", raw, maxCallsignLength)
	}
	if !isUpperAlpha(cs[0]) {
		return "", fmt.Errorf("callsign %q must start with a letter", raw)
	}

	base := cs
	ssid := ""
	if i := strings.IndexByte(cs, '-'); i >= 0 {
		base = cs[:i]
		ssid = cs[i+1:]
		if base == "" || ssid == "" || strings.ContainsRune(ssid, '-') {
			return "", fmt.Errorf("callsign %q has invalid hyphen usage", raw)
		}
	}

	if len(base) < minBaseLength || len(base) > maxBaseLength {
		return "", fmt.Errorf("base callsign %q must be %d-%d characters", base, minBaseLength, maxBaseLength)
	}
	for i := 0; i < len(base); i++ {
		if !isUpperAlnum(base[i]) {
			return "", fmt.Errorf("base callsign %q contains non-alphanumeric characters", base)
		}
	}

	if ssid != "" {
		if len(ssid) > maxSSIDLength {
			return "", fmt.Errorf("SSID %q must be 1-%d characters", ssid, maxSSIDLength)
		}
		allDigits := true
		for i := 0; i < len(ssid); i++ {
			if !isUpperAlnum(ssid[i]) {
				return "", fmt.Errorf("SSID %q contains non-alphanumeric characters", ssid)
			}
			if ssid[i] < '0' || ssid[i] > '9' {
				allDigits = false
			}
		}
		if allDigits {
			n, _ := strconv.Atoi(ssid)
			if n < 1 || n > 15 {
				return "", fmt.Errorf("numeric SSID %q must be between 1 and 15", ssid)
			}
		}
	}

	return Callsign(cs), nil
}

func (c Callsign) String() string { return string(c) }

// Base returns the callsign without its SSID suffix.
func (c Callsign) Base() string {
	if i := strings.IndexByte(string(c), '-'); i >= 0 {
		return string(c)[:i]
	}
	return string(c)
}

func isUpperAlpha(b byte) bool { return b >= 'A' && b <= 'Z' }

func isUpperAlnum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
