package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/umich-balloons/balloontrack/monitoring"
)

// Packet is the canonical telemetry record every transport normalizes into.
// Coordinates are decimal degrees, altitude meters, speed m/s, battery volts.
type Packet struct {
	Callsign  Callsign       `json:"callsign"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	DataTime  time.Time      `json:"data_time"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Altitude  *float64       `json:"altitude,omitempty"`
	Speed     *float64       `json:"speed,omitempty"`
	Course    *float64       `json:"course,omitempty"`
	Battery   *float64       `json:"battery,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ErrNoIdentifier marks packets that carry neither a callsign nor a serial.
var ErrNoIdentifier = errors.New("packet carries no callsign or serial identifier")

// ErrSerialOnly marks packets identified only by a numeric serial. Device
// provisioning that maps serials to callsigns is external, so these are
// rejected at ingest; the raw row keeps the serial for forensics.
var ErrSerialOnly = errors.New("packet carries a serial but no callsign")

// fieldAliases maps each canonical field to the input key spellings it
// accepts. Matching is case-insensitive; unknown keys collect into extra.
var fieldAliases = map[string][]string{
	"callsign":  {"callsign", "call"},
	"latitude":  {"latitude", "lat", "latitude_deg", "lat_deg", "lat_dd"},
	"longitude": {"longitude", "lon", "lng", "longitude_deg", "lon_deg", "lon_dd"},
	"accuracy":  {"accuracy", "acc", "hdop", "cep"},
	"altitude":  {"altitude", "alt", "elevation", "elev", "height", "hgt"},
	"speed":     {"speed", "spd"},
	"course":    {"course", "heading", "hdg", "cse", "direction", "dir"},
	"battery":   {"battery", "battery_voltage", "voltage", "batt_v", "vbatt", "bat", "volt", "v"},
	"data_time": {"data_time", "datetime", "time", "timestamp", "ts"},
	"serial":    {"serial", "imei"},
}

// aliasToField is the inverse lookup, built once.
var aliasToField = func() map[string]string {
	m := make(map[string]string)
	for field, aliases := range fieldAliases {
		for _, a := range aliases {
			m[a] = field
		}
	}
	return m
}()

// Normalizer turns loosely-keyed transport dicts into Packets.
type Normalizer struct {
	// StrictVoltage disables the V*10 heuristic for integers in [20,60].
	StrictVoltage bool
}

// Normalize coerces a decoded transport dict into a Packet. Required fields
// (identifier, latitude, longitude) failing validation reject the packet;
// invalid optional fields are dropped individually so a sound fix is never
// lost to a bad voltage reading.
func (n *Normalizer) Normalize(input map[string]any) (*Packet, error) {
	fields := make(map[string]any)
	extra := make(map[string]any)
	var explicitExtra map[string]any

	for key, value := range input {
		lower := strings.ToLower(strings.TrimSpace(key))
		if lower == "extra" || lower == "telem" || lower == "telemetry" {
			if m, ok := value.(map[string]any); ok {
				explicitExtra = m
			} else {
				extra[key] = value
			}
			continue
		}
		if field, ok := aliasToField[lower]; ok {
			if _, dup := fields[field]; !dup {
				fields[field] = value
			}
			continue
		}
		extra[key] = value
	}
	// Explicit extra-map entries win over top-level siblings on key clash.
	for k, v := range explicitExtra {
		extra[k] = v
	}

	p := &Packet{Extra: extra}

	rawCallsign, hasCallsign := fields["callsign"]
	_, hasSerial := fields["serial"]
	switch {
	case hasCallsign:
		cs, err := ParseCallsign(fmt.Sprint(rawCallsign))
		if err != nil {
			return nil, err
		}
		p.Callsign = cs
		if s, ok := fields["serial"]; ok {
			extra["serial"] = s
		}
	case hasSerial:
		return nil, ErrSerialOnly
	default:
		return nil, ErrNoIdentifier
	}

	latRaw, ok := fields["latitude"]
	if !ok {
		return nil, fmt.Errorf("missing required field latitude")
	}
	lat, err := ParseCoordinate(latRaw, Latitude)
	if err != nil {
		return nil, fmt.Errorf("latitude: %w", err)
	}
	lonRaw, ok := fields["longitude"]
	if !ok {
		return nil, fmt.Errorf("missing required field longitude")
	}
	lon, err := ParseCoordinate(lonRaw, Longitude)
	if err != nil {
		return nil, fmt.Errorf("longitude: %w", err)
	}
	p.Latitude, p.Longitude = lat, lon

	if v, ok := fields["data_time"]; ok {
		if t, err := parseTime(v); err == nil {
			p.DataTime = t
		} else {
			monitoring.Warnf("normalize: dropping unparseable data_time %v: %v", v, err)
		}
	}

	if v, ok := fields["accuracy"]; ok {
		if f, err := toFloat(v); err == nil && f >= 0 {
			p.Accuracy = &f
		} else {
			monitoring.Warnf("normalize: dropping invalid accuracy %v", v)
		}
	}
	if v, ok := fields["altitude"]; ok {
		if f, err := toFloat(v); err == nil && !math.IsNaN(f) {
			p.Altitude = &f
		} else {
			monitoring.Warnf("normalize: dropping invalid altitude %v", v)
		}
	}
	if v, ok := fields["speed"]; ok {
		if f, err := toFloat(v); err == nil && f >= 0 {
			p.Speed = &f
		} else {
			monitoring.Warnf("normalize: dropping invalid speed %v", v)
		}
	}
	if v, ok := fields["course"]; ok {
		if f, err := toFloat(v); err == nil {
			c := NormalizeCourse(f)
			p.Course = &c
		} else {
			monitoring.Warnf("normalize: dropping invalid course %v", v)
		}
	}
	if v, ok := fields["battery"]; ok && v != nil {
		if volts, err := normalizeVoltageAny(v, n.StrictVoltage); err == nil {
			p.Battery = &volts
		} else {
			monitoring.Warnf("normalize: dropping invalid battery %v: %v", v, err)
		}
	}

	if len(p.Extra) == 0 {
		p.Extra = nil
	}
	return p, nil
}

func normalizeVoltageAny(v any, strict bool) (float64, error) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid voltage string %q", s)
		}
		v = f
	}
	return NormalizeVoltage(v, strict)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid numeric string %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("invalid numeric type %T", v)
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "06-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
	}
	return time.Time{}, fmt.Errorf("invalid time type %T", v)
}
