// Package winch follows a suspected winch launch until the cable releases.
package winch

import (
	"math"
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	// ClimbThreshold is the climb rate (m/s) below which the cable is considered released.
	ClimbThreshold = 5.0
	// Timeout abandons a launch that has not released by then.
	Timeout = 120 * time.Second
	// MinGain is the altitude gain (m) a launch needs to count.
	MinGain = 100.0
	// IdleTimeout drops records not updated for this long.
	IdleTimeout = 10 * time.Minute
)

// Release describes a detected cable release.
type Release struct {
	Altitude float64 `json:"winch_launch_altitude"` // metres, whole
	Duration float64 `json:"winch_launch_duration"` // seconds, one decimal
}

type record struct {
	inWinch     bool
	startTime   time.Time
	startAlt    float64
	maxAlt      float64
	released    bool
	lastUpdated time.Time
}

// Detector owns the per-aircraft winch records.
type Detector struct {
	mu      sync.Mutex
	records map[string]*record
	logger  *logger.Logger
}

func NewDetector(log *logger.Logger) *Detector {
	return &Detector{
		records: make(map[string]*record),
		logger:  log.Named("winch"),
	}
}

// Start begins tracking a launch at altitude, replacing any previous record.
func (d *Detector) Start(now time.Time, id string, altitude float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records[id] = &record{
		inWinch:     true,
		startTime:   now,
		startAlt:    altitude,
		maxAlt:      altitude,
		lastUpdated: now,
	}
	d.logger.Info("Started winch tracking",
		logger.String("aircraft_id", id),
		logger.Float64("altitude", altitude))
}

// Active reports whether a launch is being tracked for id.
func (d *Detector) Active(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[id]
	return ok && r.inWinch
}

// Cancel stops tracking id, for a launch that turned out to be an aerotow.
func (d *Detector) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[id]; !ok {
		return false
	}
	delete(d.records, id)
	return true
}

// Update feeds one sample. It returns a release exactly once per launch.
func (d *Detector) Update(now time.Time, id string, altitude, climb float64) (Release, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.records[id]
	if !ok || !r.inWinch {
		return Release{}, false
	}

	r.lastUpdated = now
	if altitude > r.maxAlt {
		r.maxAlt = altitude
	}

	elapsed := now.Sub(r.startTime)
	if elapsed > Timeout {
		d.logger.Info("Winch launch timeout", logger.String("aircraft_id", id))
		r.inWinch = false
		return Release{}, false
	}

	if climb >= ClimbThreshold || r.released {
		return Release{}, false
	}

	gain := r.maxAlt - r.startAlt
	if gain < MinGain {
		d.logger.Debug("Insufficient altitude gain for winch launch",
			logger.String("aircraft_id", id),
			logger.Float64("gain", gain))
		r.inWinch = false
		return Release{}, false
	}

	r.released = true
	r.inWinch = false
	rel := Release{
		Altitude: math.Round(r.maxAlt),
		Duration: math.Round(elapsed.Seconds()*10) / 10,
	}
	delete(d.records, id)

	d.logger.Info("Detected winch release",
		logger.String("aircraft_id", id),
		logger.Float64("max_altitude", r.maxAlt),
		logger.Float64("gain", gain),
		logger.Float64("duration_s", rel.Duration))
	return rel, true
}

// Cleanup drops records not updated within IdleTimeout.
func (d *Detector) Cleanup(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-IdleTimeout)
	removed := 0
	for id, r := range d.records {
		if r.lastUpdated.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of records, active or abandoned.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}
