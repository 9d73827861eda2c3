// Package aprs parses APRS position reports from their textual TNC2 framing.
// Only the subset balloons actually transmit is covered: uncompressed
// position reports with optional timestamp, course/speed extension, altitude
// extension, and plain-text comment.
package aprs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Frame is a decoded APRS position report.
type Frame struct {
	Source      string
	Destination string
	Path        []string
	DataTypeID  byte
	SymbolTable byte
	SymbolID    byte
	Latitude    float64
	Longitude   float64
	// Ambiguity counts the digits the sender blanked out of the position
	// (0 means full precision).
	Ambiguity int
	// CourseDeg/SpeedKnots come from the 7-byte data extension when present.
	CourseDeg  *float64
	SpeedKnots *float64
	// AltitudeFeet comes from the /A=nnnnnn extension or a leading "<N> ft"
	// comment; conversion to meters is the caller's concern.
	AltitudeFeet *float64
	Timestamp    *time.Time
	Comment      string
}

var (
	headerPattern  = regexp.MustCompile(`^([A-Za-z0-9-]+)>([A-Za-z0-9-]+)((?:,[A-Za-z0-9*-]+)*):(.*)$`)
	altExtPattern  = regexp.MustCompile(`/A=(-?\d{6})`)
	ftSuffixRegexp = regexp.MustCompile(`^(\d+)\sft\b`)
)

// Parse decodes a raw TNC2 frame like
// "KF8ABL-11>APRS,WIDE2-1:!4217.67N/08342.78WO010/005100 ft".
func Parse(raw string) (*Frame, error) {
	return ParseAt(raw, time.Now().UTC())
}

// ParseAt is Parse with an explicit reference time used to resolve the
// day-relative timestamps APRS carries.
func ParseAt(raw string, ref time.Time) (*Frame, error) {
	raw = strings.TrimSpace(raw)
	m := headerPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("malformed frame header in %q", truncate(raw, 60))
	}

	f := &Frame{
		Source:      strings.ToUpper(m[1]),
		Destination: strings.ToUpper(m[2]),
	}
	if m[3] != "" {
		f.Path = strings.Split(strings.TrimPrefix(m[3], ","), ",")
	}

	info := m[4]
	if len(info) < 1 {
		return nil, fmt.Errorf("empty information field")
	}
	f.DataTypeID = info[0]
	body := info[1:]

	switch f.DataTypeID {
	case '!', '=':
		// no timestamp
	case '/', '@':
		if len(body) < 7 {
			return nil, fmt.Errorf("truncated timestamp in position report")
		}
		ts, err := parseTimestamp(body[:7], ref)
		if err != nil {
			return nil, err
		}
		f.Timestamp = &ts
		body = body[7:]
	default:
		return nil, fmt.Errorf("unsupported data type id %q", f.DataTypeID)
	}

	// Uncompressed position: 8-char latitude, symbol table, 9-char
	// longitude, symbol id.
	if len(body) < 19 {
		return nil, fmt.Errorf("truncated position field")
	}
	lat, ambLat, err := parseLatitude(body[:8])
	if err != nil {
		return nil, err
	}
	f.SymbolTable = body[8]
	lon, ambLon, err := parseLongitude(body[9:18])
	if err != nil {
		return nil, err
	}
	f.SymbolID = body[18]
	f.Latitude, f.Longitude = lat, lon
	f.Ambiguity = ambLat
	if ambLon > f.Ambiguity {
		f.Ambiguity = ambLon
	}

	rest := body[19:]

	// Optional 7-byte course/speed extension: "CSE/SPD".
	if len(rest) >= 7 && rest[3] == '/' {
		if cse, err1 := strconv.Atoi(rest[:3]); err1 == nil {
			if spd, err2 := strconv.Atoi(rest[4:7]); err2 == nil {
				c, s := float64(cse), float64(spd)
				f.CourseDeg = &c
				f.SpeedKnots = &s
				rest = rest[7:]
			}
		}
	}

	// Altitude from the /A=nnnnnn extension anywhere in the comment.
	if am := altExtPattern.FindStringSubmatch(rest); am != nil {
		if ft, err := strconv.Atoi(am[1]); err == nil {
			v := float64(ft)
			f.AltitudeFeet = &v
		}
		rest = strings.Replace(rest, am[0], "", 1)
	}

	f.Comment = strings.TrimSpace(rest)

	// Some trackers put altitude in the comment as a bare "<N> ft" prefix.
	if f.AltitudeFeet == nil {
		if cm := ftSuffixRegexp.FindStringSubmatch(f.Comment); cm != nil {
			if ft, err := strconv.Atoi(cm[1]); err == nil {
				v := float64(ft)
				f.AltitudeFeet = &v
			}
		}
	}

	return f, nil
}

// parseLatitude decodes "ddmm.mmN" with optional ambiguity spaces.
func parseLatitude(s string) (float64, int, error) {
	if len(s) != 8 {
		return 0, 0, fmt.Errorf("latitude field must be 8 bytes, got %q", s)
	}
	dir := s[7]
	if dir != 'N' && dir != 'S' {
		return 0, 0, fmt.Errorf("invalid latitude direction %q", dir)
	}
	deg, amb, err := parseDegMin(s[:7], 2)
	if err != nil {
		return 0, 0, fmt.Errorf("latitude: %w", err)
	}
	if deg > 90 {
		return 0, 0, fmt.Errorf("latitude %.4f out of range", deg)
	}
	if dir == 'S' {
		deg = -deg
	}
	return deg, amb, nil
}

// parseLongitude decodes "dddmm.mmE" with optional ambiguity spaces.
func parseLongitude(s string) (float64, int, error) {
	if len(s) != 9 {
		return 0, 0, fmt.Errorf("longitude field must be 9 bytes, got %q", s)
	}
	dir := s[8]
	if dir != 'E' && dir != 'W' {
		return 0, 0, fmt.Errorf("invalid longitude direction %q", dir)
	}
	deg, amb, err := parseDegMin(s[:8], 3)
	if err != nil {
		return 0, 0, fmt.Errorf("longitude: %w", err)
	}
	if deg > 180 {
		return 0, 0, fmt.Errorf("longitude %.4f out of range", deg)
	}
	if dir == 'W' {
		deg = -deg
	}
	return deg, amb, nil
}

// parseDegMin decodes "ddmm.mm" (degWidth leading degree digits) into
// decimal degrees, counting blanked ambiguity digits as zeros.
func parseDegMin(s string, degWidth int) (float64, int, error) {
	amb := strings.Count(s, " ")
	filled := strings.ReplaceAll(s, " ", "0")
	deg, err := strconv.ParseFloat(filled[:degWidth], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid degrees %q", s[:degWidth])
	}
	min, err := strconv.ParseFloat(filled[degWidth:], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minutes %q", s[degWidth:])
	}
	if min >= 60 {
		return 0, 0, fmt.Errorf("minutes %.2f out of range", min)
	}
	return deg + min/60.0, amb, nil
}

// parseTimestamp decodes the 7-byte APRS timestamp forms: DDHHMMz (zulu
// day/hour/minute), DDHHMM/ (local, treated as zulu), and HHMMSSh.
func parseTimestamp(s string, ref time.Time) (time.Time, error) {
	if len(s) != 7 {
		return time.Time{}, fmt.Errorf("timestamp must be 7 bytes, got %q", s)
	}
	n := func(a, b int) (int, error) { return strconv.Atoi(s[a:b]) }
	switch s[6] {
	case 'z', '/':
		day, err1 := n(0, 2)
		hour, err2 := n(2, 4)
		minute, err3 := n(4, 6)
		if err1 != nil || err2 != nil || err3 != nil || day < 1 || day > 31 || hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid DDHHMM timestamp %q", s)
		}
		t := time.Date(ref.Year(), ref.Month(), day, hour, minute, 0, 0, time.UTC)
		// A day number ahead of the reference belongs to the previous month.
		if t.After(ref.Add(12 * time.Hour)) {
			t = t.AddDate(0, -1, 0)
		}
		return t, nil
	case 'h':
		hour, err1 := n(0, 2)
		minute, err2 := n(2, 4)
		sec, err3 := n(4, 6)
		if err1 != nil || err2 != nil || err3 != nil || hour > 23 || minute > 59 || sec > 59 {
			return time.Time{}, fmt.Errorf("invalid HHMMSS timestamp %q", s)
		}
		t := time.Date(ref.Year(), ref.Month(), ref.Day(), hour, minute, sec, 0, time.UTC)
		if t.After(ref.Add(time.Hour)) {
			t = t.AddDate(0, 0, -1)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unknown timestamp format %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
