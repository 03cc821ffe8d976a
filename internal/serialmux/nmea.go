package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentence types understood by ParseFix.
const (
	SentenceGGA = "GGA"
	SentenceRMC = "RMC"
)

var (
	// ErrChecksum is returned for a sentence whose checksum does not match.
	ErrChecksum = errors.New("nmea: checksum mismatch")
	// ErrUnsupported is returned for well-formed sentences that carry no fix.
	ErrUnsupported = errors.New("nmea: unsupported sentence")
	// ErrNoSatelliteFix is returned when the receiver reports an invalid fix.
	ErrNoSatelliteFix = errors.New("nmea: receiver has no fix")
)

// Sentence is one checksummed NMEA 0183 line split into its fields.
type Sentence struct {
	Talker string   // "GP", "GN", ...
	Type   string   // "GGA", "RMC", ...
	Fields []string // data fields after the address
}

// Fix is a position report decoded from a GGA or RMC sentence.
type Fix struct {
	Type       string
	Time       time.Time // UTC; date is only known from RMC
	Lat        float64
	Lng        float64
	Quality    int     // GGA fix quality, 1 for RMC
	Satellites int     // GGA only
	HDOP       float64 // GGA only
	AltitudeM  float64 // GGA only
	SpeedKnots float64 // RMC only
	CourseDeg  float64 // RMC only
}

// Checksum returns the XOR of every byte in body, the part between '$' and '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// FormatSentence wraps body as "$body*HH".
func FormatSentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// ParseSentence validates and splits one NMEA line. Sentences without a
// checksum are accepted as some receivers omit it.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, fmt.Errorf("nmea: missing '$' in %q", line)
	}
	body := line[1:]
	if i := strings.LastIndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(body[i+1:], 16, 8)
		if err != nil {
			return Sentence{}, fmt.Errorf("nmea: bad checksum %q: %w", body[i+1:], err)
		}
		body = body[:i]
		if Checksum(body) != byte(want) {
			return Sentence{}, fmt.Errorf("%w: %q", ErrChecksum, line)
		}
	}
	parts := strings.Split(body, ",")
	addr := parts[0]
	if len(addr) < 5 {
		return Sentence{}, fmt.Errorf("nmea: short address %q", addr)
	}
	if addr[0] == 'P' {
		// Proprietary sentences carry a vendor prefix instead of a talker.
		return Sentence{Talker: "P", Type: addr[1:], Fields: parts[1:]}, nil
	}
	return Sentence{Talker: addr[:len(addr)-3], Type: addr[len(addr)-3:], Fields: parts[1:]}, nil
}

// ParseFix decodes a GGA or RMC line. Other sentence types return
// ErrUnsupported; an invalid receiver fix returns ErrNoSatelliteFix.
func ParseFix(line string) (Fix, error) {
	s, err := ParseSentence(line)
	if err != nil {
		return Fix{}, err
	}
	switch s.Type {
	case SentenceGGA:
		return parseGGA(s.Fields)
	case SentenceRMC:
		return parseRMC(s.Fields)
	}
	return Fix{}, fmt.Errorf("%w: %s%s", ErrUnsupported, s.Talker, s.Type)
}

// GGA: time, lat, N/S, lng, E/W, quality, sats, hdop, alt, M, ...
func parseGGA(f []string) (Fix, error) {
	if len(f) < 9 {
		return Fix{}, fmt.Errorf("nmea: GGA has %d fields", len(f))
	}
	quality, err := strconv.Atoi(f[5])
	if err != nil {
		return Fix{}, fmt.Errorf("nmea: GGA quality %q: %w", f[5], err)
	}
	if quality == 0 {
		return Fix{}, ErrNoSatelliteFix
	}
	fix := Fix{Type: SentenceGGA, Quality: quality}
	if fix.Lat, err = parseCoord(f[1], f[2], 2); err != nil {
		return Fix{}, err
	}
	if fix.Lng, err = parseCoord(f[3], f[4], 3); err != nil {
		return Fix{}, err
	}
	if fix.Time, err = parseClock(f[0], time.Time{}); err != nil {
		return Fix{}, err
	}
	fix.Satellites, _ = strconv.Atoi(f[6])
	fix.HDOP, _ = strconv.ParseFloat(f[7], 64)
	fix.AltitudeM, _ = strconv.ParseFloat(f[8], 64)
	return fix, nil
}

// RMC: time, status, lat, N/S, lng, E/W, speed, course, date, ...
func parseRMC(f []string) (Fix, error) {
	if len(f) < 9 {
		return Fix{}, fmt.Errorf("nmea: RMC has %d fields", len(f))
	}
	if f[1] != "A" {
		return Fix{}, ErrNoSatelliteFix
	}
	fix := Fix{Type: SentenceRMC, Quality: 1}
	var err error
	if fix.Lat, err = parseCoord(f[2], f[3], 2); err != nil {
		return Fix{}, err
	}
	if fix.Lng, err = parseCoord(f[4], f[5], 3); err != nil {
		return Fix{}, err
	}
	var day time.Time
	if f[8] != "" {
		if day, err = time.Parse("020106", f[8]); err != nil {
			return Fix{}, fmt.Errorf("nmea: RMC date %q: %w", f[8], err)
		}
	}
	if fix.Time, err = parseClock(f[0], day); err != nil {
		return Fix{}, err
	}
	fix.SpeedKnots, _ = strconv.ParseFloat(f[6], 64)
	fix.CourseDeg, _ = strconv.ParseFloat(f[7], 64)
	return fix, nil
}

// parseCoord converts "ddmm.mmmm" (degWidth digits of degrees) and a
// hemisphere letter into signed decimal degrees.
func parseCoord(v, hemi string, degWidth int) (float64, error) {
	if len(v) < degWidth+2 {
		return 0, fmt.Errorf("nmea: coordinate %q too short", v)
	}
	deg, err := strconv.Atoi(v[:degWidth])
	if err != nil {
		return 0, fmt.Errorf("nmea: coordinate %q: %w", v, err)
	}
	mins, err := strconv.ParseFloat(v[degWidth:], 64)
	if err != nil || mins >= 60 {
		return 0, fmt.Errorf("nmea: coordinate minutes %q", v)
	}
	out := float64(deg) + mins/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("nmea: hemisphere %q", hemi)
	}
	return out, nil
}

// parseClock reads "hhmmss[.sss]" onto the date of day (zero date when unknown).
func parseClock(v string, day time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if len(v) < 6 {
		return time.Time{}, fmt.Errorf("nmea: time %q too short", v)
	}
	h, err1 := strconv.Atoi(v[0:2])
	m, err2 := strconv.Atoi(v[2:4])
	sec, err3 := strconv.ParseFloat(v[4:], 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return time.Time{}, fmt.Errorf("nmea: time %q: %w", v, err)
	}
	whole := int(sec)
	nanos := int((sec - float64(whole)) * 1e9)
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, whole, nanos, time.UTC), nil
}
