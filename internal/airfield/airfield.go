// Package airfield resolves positions to the nearest known airfield.
package airfield

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/fsk-gliding/ogn-tracker/internal/geo"
)

// Unknown is reported instead of an airfield name or code when nothing is close enough.
const Unknown = "UNKNOWN"

// MaxDistanceKm is the furthest an airfield may be to be reported.
const MaxDistanceKm = 5.0

// Airfield is one gazetteer entry. The JSON layout follows the
// OurAirports export the airfield file is generated from.
type Airfield struct {
	Name      string   `json:"name"`
	ICAO      string   `json:"icao"`
	Latitude  *float64 `json:"latitude_deg"`
	Longitude *float64 `json:"longitude_deg"`
}

// Match is the nearest airfield and its distance.
type Match struct {
	Name       string  `json:"name"`
	ICAO       string  `json:"icao"`
	DistanceKm float64 `json:"distance"`
}

// Location is a resolved event location. Known is false when the nearest
// airfield is beyond MaxDistanceKm; the raw coordinates are kept then.
type Location struct {
	Name      string
	ICAO      string
	Known     bool
	Latitude  float64
	Longitude float64
}

// Gazetteer is an immutable list of airfields.
type Gazetteer struct {
	airfields []Airfield
}

// New builds a gazetteer, skipping entries without coordinates.
func New(airfields []Airfield) *Gazetteer {
	kept := make([]Airfield, 0, len(airfields))
	for _, a := range airfields {
		if a.Latitude == nil || a.Longitude == nil {
			continue
		}
		kept = append(kept, a)
	}
	return &Gazetteer{airfields: kept}
}

// Load reads a JSON array of airfields.
func Load(path string) (*Gazetteer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read airfields file: %w", err)
	}
	var list []Airfield
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse airfields file %s: %w", path, err)
	}
	return New(list), nil
}

// Len returns the number of usable airfields.
func (g *Gazetteer) Len() int {
	return len(g.airfields)
}

// Nearest returns the closest airfield by straight-line distance.
func (g *Gazetteer) Nearest(lat, lon float64) (Match, bool) {
	best := Match{DistanceKm: math.Inf(1)}
	found := false
	for _, a := range g.airfields {
		d := geo.DistanceKm(lat, lon, *a.Latitude, *a.Longitude)
		if d < best.DistanceKm {
			best = Match{Name: a.Name, ICAO: a.ICAO, DistanceKm: d}
			found = true
		}
	}
	return best, found
}

// Resolve geotags a position. The second result is false when the
// gazetteer is empty.
func (g *Gazetteer) Resolve(lat, lon float64) (Location, bool) {
	m, ok := g.Nearest(lat, lon)
	if !ok {
		return Location{}, false
	}
	if m.DistanceKm > MaxDistanceKm {
		return Location{Name: Unknown, ICAO: Unknown, Latitude: lat, Longitude: lon}, true
	}
	return Location{Name: m.Name, ICAO: m.ICAO, Known: true, Latitude: lat, Longitude: lon}, true
}
