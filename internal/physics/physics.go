package physics

import (
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Unit conversions used by the decoders.
const (
	KnotsToKmh = 1.852
	FeetToM    = 0.3048
	FpmToMs    = 0.00508
)

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altM float64, date time.Time) (float64, error) {
	loc := egm96.NewLocationGeodetic(lat, lon, altM)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		return 0, fmt.Errorf("wmm at %.3f,%.3f: %w", lat, lon, err)
	}
	return mag.D(), nil
}

// MagneticTrack converts a true track into a magnetic one, normalized to [0, 360).
func MagneticTrack(trueTrack, declination float64) float64 {
	m := math.Mod(trueTrack-declination, 360)
	if m < 0 {
		m += 360
	}
	return m
}

type cell struct {
	lat, lon int
}

// Declinator answers declination queries from a per-grid-cell cache. The
// field changes by fractions of a degree across a cell, which is below the
// resolution of an APRS track.
type Declinator struct {
	gridDeg float64
	cache   *expirable.LRU[cell, float64]
	compute func(lat, lon, altM float64, t time.Time) (float64, error)
}

// NewDeclinator creates a cache holding up to size cells for ttl each.
func NewDeclinator(gridDeg float64, size int, ttl time.Duration) *Declinator {
	if gridDeg <= 0 {
		gridDeg = 1
	}
	return &Declinator{
		gridDeg: gridDeg,
		cache:   expirable.NewLRU[cell, float64](size, nil, ttl),
		compute: CalculateMagneticVariation,
	}
}

// Declination returns the declination at the center of the cell holding (lat, lon).
func (d *Declinator) Declination(lat, lon float64, t time.Time) (float64, error) {
	key := cell{
		lat: int(math.Floor(lat / d.gridDeg)),
		lon: int(math.Floor(lon / d.gridDeg)),
	}
	if v, ok := d.cache.Get(key); ok {
		return v, nil
	}

	centerLat := (float64(key.lat) + 0.5) * d.gridDeg
	centerLon := (float64(key.lon) + 0.5) * d.gridDeg
	v, err := d.compute(centerLat, centerLon, 0, t)
	if err != nil {
		return 0, err
	}
	d.cache.Add(key, v)
	return v, nil
}
