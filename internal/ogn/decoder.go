package ogn

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/physics"
)

var (
	headerRe = regexp.MustCompile(`^([A-Za-z0-9-]{1,9})>([A-Za-z0-9-]+)((?:,[A-Za-z0-9*-]+)*):(.*)$`)

	// Position body: time, latitude, table, longitude, code, rest.
	positionRe = regexp.MustCompile(`^[/@](\d{6})([hz/])(.{7}[NS])(.)(.{8}[EW])(.)(.*)$`)

	courseSpeedRe = regexp.MustCompile(`^(\d{3})/(\d{3})`)
	altitudeRe    = regexp.MustCompile(`/A=(-?\d{5,6})`)
	precisionRe   = regexp.MustCompile(`!W(\d)(\d)!`)
	idRe          = regexp.MustCompile(`\bid([0-9A-Fa-f]{2})([0-9A-Fa-f]{6})\b`)
	climbRe       = regexp.MustCompile(`([+-]\d+)fpm`)
	turnRe        = regexp.MustCompile(`([+-]\d+(?:\.\d+)?)rot`)
)

// Decode parses one APRS line into an aircraft beacon. now supplies the
// date for the time-of-day stamp in the report. The decoder fails closed:
// anything it cannot read completely is a *ParseError, coordinates that
// are present but not numeric are a *ValidationError.
func Decode(line string, now time.Time) (Beacon, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Beacon{}, &ParseError{Line: line, Reason: "not a beacon"}
	}

	h := headerRe.FindStringSubmatch(line)
	if h == nil {
		return Beacon{}, &ParseError{Line: line, Reason: "malformed header"}
	}
	b := Beacon{
		Callsign:    h[1],
		Destination: h[2],
		Raw:         line,
	}
	path := strings.Split(strings.TrimPrefix(h[3], ","), ",")
	if isReceiverPath(b.Destination, path) {
		return Beacon{}, &ParseError{Line: line, Reason: "receiver beacon"}
	}
	if len(path) > 0 {
		b.Receiver = path[len(path)-1]
	}

	body := h[4]
	p := positionRe.FindStringSubmatch(body)
	if p == nil {
		return Beacon{}, &ParseError{Line: line, Reason: "no position report"}
	}

	ts, err := parseTime(p[1], p[2], now)
	if err != nil {
		return Beacon{}, &ParseError{Line: line, Reason: err.Error()}
	}
	b.Timestamp = ts

	lat, err := parseLatitude(p[3])
	if err != nil {
		return Beacon{}, &ValidationError{Callsign: b.Callsign, Reason: "latitude " + strconv.Quote(p[3])}
	}
	lon, err := parseLongitude(p[5])
	if err != nil {
		return Beacon{}, &ValidationError{Callsign: b.Callsign, Reason: "longitude " + strconv.Quote(p[5])}
	}
	b.SymbolTable = p[4][0]
	b.SymbolCode = p[6][0]

	rest := p[7]
	if m := courseSpeedRe.FindStringSubmatch(rest); m != nil {
		course, _ := strconv.ParseFloat(m[1], 64)
		knots, _ := strconv.ParseFloat(m[2], 64)
		kmh := knots * physics.KnotsToKmh
		b.Track = &course
		b.GroundSpeed = &kmh
		rest = rest[len(m[0]):]
	}
	if m := altitudeRe.FindStringSubmatch(rest); m != nil {
		ft, _ := strconv.ParseFloat(m[1], 64)
		alt := ft * physics.FeetToM
		b.Altitude = &alt
	}

	comment := rest
	if m := precisionRe.FindStringSubmatch(comment); m != nil {
		// Extra thousandths of a minute.
		dLat := float64(m[1][0]-'0') / 1000 / 60
		dLon := float64(m[2][0]-'0') / 1000 / 60
		if lat < 0 {
			dLat = -dLat
		}
		if lon < 0 {
			dLon = -dLon
		}
		lat += dLat
		lon += dLon
	}
	b.Latitude = lat
	b.Longitude = lon

	if m := idRe.FindStringSubmatch(comment); m != nil {
		flags, _ := strconv.ParseUint(m[1], 16, 8)
		b.AddressType = int(flags & 0x03)
		b.AircraftKey = int((flags >> 2) & 0x0F)
		b.Address = strings.ToUpper(m[2])
	}
	if m := climbRe.FindStringSubmatch(comment); m != nil {
		fpm, _ := strconv.ParseFloat(m[1], 64)
		ms := fpm * physics.FpmToMs
		b.ClimbRate = &ms
	}
	if m := turnRe.FindStringSubmatch(comment); m != nil {
		rot, _ := strconv.ParseFloat(m[1], 64)
		b.TurnRate = &rot
	}

	return b, nil
}

// isReceiverPath spots ground-station beacons, which share the feed with
// aircraft reports but describe receivers.
func isReceiverPath(dest string, path []string) bool {
	if dest == "OGNSDR" {
		return true
	}
	for _, p := range path {
		if p == "TCPIP*" || p == "qAC" {
			return true
		}
	}
	return false
}

func parseTime(digits, kind string, now time.Time) (time.Time, error) {
	now = now.UTC()
	a, _ := strconv.Atoi(digits[0:2])
	b, _ := strconv.Atoi(digits[2:4])
	c, _ := strconv.Atoi(digits[4:6])

	switch kind {
	case "h":
		if a > 23 || b > 59 || c > 59 {
			return time.Time{}, errInvalidTime
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), a, b, c, 0, time.UTC)
		// A report stamped just before midnight and received after it.
		if t.Sub(now) > time.Hour {
			t = t.AddDate(0, 0, -1)
		}
		return t, nil
	default:
		// ddhhmm, zulu or local; both treated as UTC.
		if a < 1 || a > 31 || b > 23 || c > 59 {
			return time.Time{}, errInvalidTime
		}
		t := time.Date(now.Year(), now.Month(), a, b, c, 0, 0, time.UTC)
		if t.Sub(now) > 24*time.Hour {
			t = t.AddDate(0, -1, 0)
		}
		return t, nil
	}
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const errInvalidTime = decodeError("invalid timestamp")

// parseLatitude reads DDMM.mmN.
func parseLatitude(s string) (float64, error) {
	deg, err := strconv.Atoi(s[0:2])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(s[2:7], 64)
	if err != nil {
		return 0, err
	}
	if deg > 90 || minutes >= 60 {
		return 0, decodeError("out of range")
	}
	v := float64(deg) + minutes/60
	if s[7] == 'S' {
		v = -v
	}
	return v, nil
}

// parseLongitude reads DDDMM.mmE.
func parseLongitude(s string) (float64, error) {
	deg, err := strconv.Atoi(s[0:3])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(s[3:8], 64)
	if err != nil {
		return 0, err
	}
	if deg > 180 || minutes >= 60 {
		return 0, decodeError("out of range")
	}
	v := float64(deg) + minutes/60
	if s[8] == 'W' {
		v = -v
	}
	return v, nil
}
