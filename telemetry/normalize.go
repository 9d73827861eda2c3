package telemetry

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/umich-balloons/balloontrack/monitoring"
)

// Unit conversion factors to SI. Transports that encode non-SI values (APRS
// feet/knots, mph gateways) convert through these before normalization.
const (
	FeetToMeters  = 0.3048
	KnotsToMPS    = 1852.0 / 3600.0
	MPHToMPS      = 1609.344 / 3600.0
	KPHToMPS      = 1.0 / 3.6
	MilesToMeters = 1609.344
)

// CoordKind selects the bounds check for ParseCoordinate.
type CoordKind int

const (
	Latitude CoordKind = iota
	Longitude
)

// dmsPattern accepts degrees[: ° or space]minutes[: ' or space]seconds["]
// with an optional trailing N/S/E/W direction, e.g. "42:17.67N" or
// `83°42'46.8" W`.
var dmsPattern = regexp.MustCompile(
	`^\s*(\d{1,3})(?:[:°\s]+(\d{1,2}(?:\.\d+)?)(?:[:'\s]+(\d{1,2}(?:\.\d+)?)["\s]*)?)?\s*([NSEWnsew])?\s*$`)

// ParseCoordinate coerces a raw coordinate value into decimal degrees.
// Floats pass through, ints are scaled degrees (÷10000), and strings are
// parsed as DMS with a plain-numeric fallback. Values outside the valid
// range for the coordinate kind are rejected.
func ParseCoordinate(value any, kind CoordKind) (float64, error) {
	maxVal := 90.0
	if kind == Longitude {
		maxVal = 180.0
	}

	var deg float64
	switch v := value.(type) {
	case float64:
		deg = v
	case float32:
		deg = float64(v)
	case int:
		deg = float64(v) / 10000.0
	case int64:
		deg = float64(v) / 10000.0
	case string:
		var err error
		deg, err = parseCoordinateString(v, kind)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("invalid type for coordinate: %T", value)
	}

	if math.IsNaN(deg) || deg < -maxVal || deg > maxVal {
		return 0, fmt.Errorf("coordinate %.6f out of bounds (±%g)", deg, maxVal)
	}
	return deg, nil
}

func parseCoordinateString(s string, kind CoordKind) (float64, error) {
	s = strings.TrimSpace(s)
	m := dmsPattern.FindStringSubmatch(s)
	if m == nil {
		// Fall back to a plain numeric string before failing.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid DMS or numeric coordinate %q", s)
		}
		return f, nil
	}

	degrees, _ := strconv.ParseFloat(m[1], 64)
	var minutes, seconds float64
	if m[2] != "" {
		minutes, _ = strconv.ParseFloat(m[2], 64)
	}
	if m[3] != "" {
		seconds, _ = strconv.ParseFloat(m[3], 64)
	}
	if minutes >= 60 || seconds >= 60 {
		return 0, fmt.Errorf("invalid DMS values (minutes/seconds >= 60) in %q", s)
	}

	deg := degrees + minutes/60.0 + seconds/3600.0

	if dir := strings.ToUpper(m[4]); dir != "" {
		switch {
		case kind == Latitude && dir != "N" && dir != "S":
			return 0, fmt.Errorf("invalid direction %q for latitude", dir)
		case kind == Longitude && dir != "E" && dir != "W":
			return 0, fmt.Errorf("invalid direction %q for longitude", dir)
		}
		if dir == "S" || dir == "W" {
			deg = -deg
		}
	}
	return deg, nil
}

// NormalizeVoltage coerces a battery reading into volts. Values above 1000
// are millivolts. Integers in [20,60] are treated as tenths of a volt — a
// documented heuristic for 3.0-4.2V packs reporting 30-42 — unless strict
// mode is on. Everything else is taken as volts directly.
func NormalizeVoltage(value any, strict bool) (float64, error) {
	var v float64
	isInt := false
	switch t := value.(type) {
	case float64:
		v = t
		// JSON numbers arrive as float64; an integral value still counts as
		// an int for the V*10 heuristic.
		isInt = t == math.Trunc(t)
	case float32:
		v = float64(t)
		isInt = float64(t) == math.Trunc(float64(t))
	case int:
		v = float64(t)
		isInt = true
	case int64:
		v = float64(t)
		isInt = true
	default:
		return 0, fmt.Errorf("invalid type for voltage: %T", value)
	}

	if v < 0 {
		return 0, fmt.Errorf("voltage cannot be negative")
	}
	if v > 1000 {
		return v / 1000.0, nil
	}
	if !strict && isInt && v >= 20 && v <= 60 {
		monitoring.Warnf("assuming integer voltage %v is scaled (V*10), interpreting as %.2fV", value, v/10)
		return v / 10.0, nil
	}
	return v, nil
}

// NormalizeCourse wraps a course into [0,360) modulo 360 (370 becomes 10,
// -10 becomes 350). NaN and infinities become 0.
func NormalizeCourse(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	r := math.Mod(v, 360)
	if r < 0 {
		r += 360
	}
	if r == 360 {
		r = 0
	}
	return r
}
