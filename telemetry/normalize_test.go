package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinateNumeric(t *testing.T) {
	v, err := ParseCoordinate(42.2945, Latitude)
	require.NoError(t, err)
	assert.InDelta(t, 42.2945, v, 1e-9)

	// Integers are scaled decimal degrees.
	v, err = ParseCoordinate(422945, Latitude)
	require.NoError(t, err)
	assert.InDelta(t, 42.2945, v, 1e-9)

	v, err = ParseCoordinate(-837130, Longitude)
	require.NoError(t, err)
	assert.InDelta(t, -83.713, v, 1e-9)
}

func TestParseCoordinateDMS(t *testing.T) {
	v, err := ParseCoordinate("42:17.67N", Latitude)
	require.NoError(t, err)
	assert.InDelta(t, 42.2945, v, 1e-4)

	v, err = ParseCoordinate("083:42.78W", Longitude)
	require.NoError(t, err)
	assert.InDelta(t, -83.713, v, 1e-4)

	v, err = ParseCoordinate(`42°17'40.2" N`, Latitude)
	require.NoError(t, err)
	assert.InDelta(t, 42.2945, v, 1e-4)

	// Plain numeric string fallback.
	v, err = ParseCoordinate("-83.713", Longitude)
	require.NoError(t, err)
	assert.InDelta(t, -83.713, v, 1e-9)
}

func TestParseCoordinateRejects(t *testing.T) {
	_, err := ParseCoordinate("91:00.00N", Latitude)
	assert.Error(t, err)
	_, err = ParseCoordinate(181.0, Longitude)
	assert.Error(t, err)
	_, err = ParseCoordinate("42:75.00N", Latitude) // minutes >= 60
	assert.Error(t, err)
	_, err = ParseCoordinate("42:17.67E", Latitude) // wrong axis direction
	assert.Error(t, err)
	_, err = ParseCoordinate("not-a-coord", Latitude)
	assert.Error(t, err)
	_, err = ParseCoordinate([]string{"x"}, Latitude)
	assert.Error(t, err)
}

// Formatting a latitude to decimal text and re-parsing it returns the same
// value within a microdegree.
func TestParseCoordinateRoundTrip(t *testing.T) {
	for _, x := range []float64{-90, -45.123456, -0.000001, 0, 12.875, 89.999999, 90} {
		v, err := ParseCoordinate(fmt.Sprintf("%.7f", x), Latitude)
		require.NoError(t, err)
		assert.InDelta(t, x, v, 1e-6)
	}
}

func TestNormalizeVoltage(t *testing.T) {
	v, err := NormalizeVoltage(3892, false)
	require.NoError(t, err)
	assert.InDelta(t, 3.892, v, 1e-9)

	v, err = NormalizeVoltage(3892.17, false)
	require.NoError(t, err)
	assert.InDelta(t, 3.89217, v, 1e-9)

	// Scaled-volts heuristic.
	v, err = NormalizeVoltage(38, false)
	require.NoError(t, err)
	assert.InDelta(t, 3.8, v, 1e-9)

	v, err = NormalizeVoltage(3.8, false)
	require.NoError(t, err)
	assert.InDelta(t, 3.8, v, 1e-9)

	_, err = NormalizeVoltage(-1, false)
	assert.Error(t, err)

	_, err = NormalizeVoltage("3.8", false)
	assert.Error(t, err)
}

func TestNormalizeVoltageStrict(t *testing.T) {
	// Strict mode turns the heuristic off: 38 stays 38 volts.
	v, err := NormalizeVoltage(38, true)
	require.NoError(t, err)
	assert.InDelta(t, 38.0, v, 1e-9)

	// mV still converts in strict mode.
	v, err = NormalizeVoltage(3892, true)
	require.NoError(t, err)
	assert.InDelta(t, 3.892, v, 1e-9)
}

func TestNormalizeCourse(t *testing.T) {
	assert.Equal(t, 0.0, NormalizeCourse(360))
	assert.Equal(t, 10.0, NormalizeCourse(370))
	assert.Equal(t, 350.0, NormalizeCourse(-10))
	assert.Equal(t, 0.0, NormalizeCourse(0))
	assert.Equal(t, 359.5, NormalizeCourse(359.5))
}
