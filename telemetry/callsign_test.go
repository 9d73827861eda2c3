package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallsignValid(t *testing.T) {
	cases := map[string]string{
		"K8XYZ":     "K8XYZ",
		"N0CALL-11": "N0CALL-11",
		"k8xyz":     "K8XYZ",
		"kf8abl-11": "KF8ABL-11",
		"N8XYZ-T":   "N8XYZ-T",
		"N8XYZ-PS":  "N8XYZ-PS",
		"ABC-1":     "ABC-1",
		"ABCDEF-15": "ABCDEF-15",
	}
	for in, want := range cases {
		cs, err := ParseCallsign(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, Callsign(want), cs, "input %q", in)
	}
}

func TestParseCallsignInvalid(t *testing.T) {
	cases := []string{
		"",
		"N0-5",          // base too short
		"-11",           // missing base
		"N8XYZ-0",       // SSID zero forbidden
		"N8XYZ-16",      // numeric SSID above 15
		"AB",            // base too short
		"TOOLONGCALL-1", // exceeds total length
		"8XYZ",          // must start with a letter
		"N8 YZ",         // non-alphanumeric base
		"N8XYZ-",        // dangling hyphen
		"N8XYZ--1",      // double hyphen
		"N8XYZ-ABC",     // SSID too long
		"ABCDEFG",       // base too long
	}
	for _, in := range cases {
		_, err := ParseCallsign(in)
		assert.Error(t, err, "input %q should be rejected", in)
	}
}

func TestCallsignBase(t *testing.T) {
	assert.Equal(t, "N0CALL", Callsign("N0CALL-11").Base())
	assert.Equal(t, "K8XYZ", Callsign("K8XYZ").Base())
}
