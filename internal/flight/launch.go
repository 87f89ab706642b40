// Package flight detects takeoffs and landings from position samples and
// works out how a glider was launched.
package flight

import (
	"strings"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/geo"
)

// Launch is the launch method attached to a takeoff.
type Launch string

const (
	LaunchNone     Launch = ""
	LaunchTow      Launch = "tow"
	LaunchTowPlane Launch = "tow_plane"
	LaunchWinch    Launch = "winch"
)

const (
	towWindow      = 5 * time.Second
	towDistanceKm  = 0.3
	correlationAge = 30 * time.Second

	poweredCategory = "Drop plane/Powered aircraft"
	gliderCategory  = "Glider"
)

// towPlaneModels are model-name fragments of the tugs and motor planes
// seen at Danish gliding sites.
var towPlaneModels = []string{
	"PA-25", "PAWNEE", "RALLYE", "DR-400", "ROBIN", "MAULE", "CUB", "WILGA", "HUSKY",
	"SUPER CUB", "SCOUT", "CITABRIA", "CESSNA", "PIPER",
}

// IsTowPlane reports whether an aircraft can tow, from its category or model.
func IsTowPlane(aircraftType, model string) bool {
	if aircraftType == poweredCategory {
		return true
	}
	m := strings.ToUpper(model)
	if m == "" {
		return false
	}
	for _, part := range towPlaneModels {
		if strings.Contains(m, part) {
			return true
		}
	}
	return false
}

// IsGlider reports whether an aircraft is a glider that is not also on the tug roster.
func IsGlider(aircraftType, model string) bool {
	return aircraftType == gliderCategory && !IsTowPlane(aircraftType, model)
}

// Takeoff is a recent takeoff kept for launch correlation.
type Takeoff struct {
	AircraftID   string
	Time         time.Time
	Latitude     float64
	Longitude    float64
	AircraftType string
	Model        string
}

// Classifier correlates takeoffs that happen together at the same spot.
// It is not safe for concurrent use; Machine serializes access.
type Classifier struct {
	recent []Takeoff
}

// Record adds a takeoff to the correlation list.
func (c *Classifier) Record(t Takeoff) {
	c.recent = append(c.recent, t)
}

// Prune drops records at least maxAge old and returns how many went.
func (c *Classifier) Prune(now time.Time, maxAge time.Duration) int {
	kept := c.recent[:0]
	for _, r := range c.recent {
		if now.Sub(r.Time) < maxAge {
			kept = append(kept, r)
		}
	}
	removed := len(c.recent) - len(kept)
	clear(c.recent[len(kept):])
	c.recent = kept
	return removed
}

// Len returns the number of records held.
func (c *Classifier) Len() int {
	return len(c.recent)
}

// Classify labels t against the other recent takeoffs. The first record in
// insertion order within ±5 s and 0.3 km that forms a glider/tug pair wins.
// An unmatched glider is assumed to be on the winch.
func (c *Classifier) Classify(now time.Time, t Takeoff) (Launch, string) {
	c.Prune(now, correlationAge)

	glider := IsGlider(t.AircraftType, t.Model)
	tug := IsTowPlane(t.AircraftType, t.Model)

	for _, o := range c.recent {
		if o.AircraftID == t.AircraftID {
			continue
		}
		if o.Time.Before(t.Time.Add(-towWindow)) || o.Time.After(t.Time.Add(towWindow)) {
			continue
		}
		if geo.DistanceKm(t.Latitude, t.Longitude, o.Latitude, o.Longitude) > towDistanceKm {
			continue
		}

		switch {
		case glider && IsTowPlane(o.AircraftType, o.Model):
			return LaunchTow, o.AircraftID
		case tug && IsGlider(o.AircraftType, o.Model):
			return LaunchTowPlane, o.AircraftID
		}
	}

	if glider {
		return LaunchWinch, ""
	}
	return LaunchNone, ""
}
