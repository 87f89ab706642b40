// Package tracker is the fusion core for the OGN feed: it turns decoded
// beacons into live aircraft state, drives flight, variometer and winch
// tracking, and queues updates for subscribers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/ddb"
	"github.com/fsk-gliding/ogn-tracker/internal/flight"
	"github.com/fsk-gliding/ogn-tracker/internal/geo"
	"github.com/fsk-gliding/ogn-tracker/internal/ogn"
	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/internal/physics"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/vario"
	"github.com/fsk-gliding/ogn-tracker/internal/winch"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	SourceOGN      = "ogn"
	unknownModel   = "Unknown"
	unknownRegion  = "Unknown"
	panicBackoff   = 60 * time.Second
	defaultTimeout = 600 * time.Second
)

// Aircraft is the live state of one OGN aircraft as sent to subscribers.
type Aircraft struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Altitude      *float64  `json:"altitude"`
	Track         float64   `json:"track"`
	MagneticTrack *float64  `json:"magnetic_track,omitempty"`
	GroundSpeed   float64   `json:"ground_speed"`
	ClimbRate     float64   `json:"climb_rate"`
	TurnRate      float64   `json:"turn_rate"`
	AircraftModel string    `json:"aircraft_model"`
	Registration  string    `json:"registration"`
	AircraftType  string    `json:"aircraft_type"`
	Region        string    `json:"region"`
	StartType     string    `json:"start_type,omitempty"`
	LastSeen      time.Time `json:"last_seen"`

	*vario.Averages
	WinchRelease *winch.Release `json:"winch_release,omitempty"`
}

// DeviceLookup resolves a device ID in the device database.
type DeviceLookup interface {
	Lookup(id string) (ddb.Device, bool)
}

// ClubChecker reports whether a cleaned ID belongs to a club plane.
type ClubChecker interface {
	IsClubAircraft(cleanID string) bool
}

// PositionWriter queues positions and winch altitudes for storage.
type PositionWriter interface {
	EnqueuePosition(p storage.Position) bool
	EnqueueWinchAltitude(flarmID string, altitude float64) bool
}

// EventReporter delivers flight events.
type EventReporter interface {
	Report(ev flight.Event) (storage.FlightEvent, bool)
}

// Declinator returns the magnetic declination in degrees.
type Declinator interface {
	Declination(lat, lon float64, t time.Time) (float64, error)
}

// Config holds the core's thresholds and intervals.
type Config struct {
	RegionName string
	CenterLat  float64
	CenterLon  float64
	RadiusKm   float64

	RemovalTimeout        time.Duration
	ReaperInterval        time.Duration
	FlightIdle            time.Duration
	FlightCleanupInterval time.Duration
	StorageMinSpeedKmh    float64
	MagneticTrack         bool
}

// Deps are the collaborators. Only Queues is required.
type Deps struct {
	Devices    DeviceLookup
	Clubs      ClubChecker
	Writer     PositionWriter
	Reporter   EventReporter
	Declinator Declinator
	Queues     *outbound.Queues
}

// Core owns the OGN live table and the per-aircraft trackers.
type Core struct {
	cfg  Config
	deps Deps

	flights *flight.Machine
	vario   *vario.Tracker
	winch   *winch.Detector
	logger  *logger.Logger

	mu   sync.RWMutex
	live map[string]Aircraft
}

// New creates a Core. Zero durations in cfg take the defaults.
func New(cfg Config, deps Deps, log *logger.Logger) (*Core, error) {
	if deps.Queues == nil {
		return nil, errors.New("tracker: outbound queues are required")
	}
	if cfg.RemovalTimeout <= 0 {
		cfg.RemovalTimeout = defaultTimeout
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.FlightIdle <= 0 {
		cfg.FlightIdle = flight.StateIdleTimeout
	}
	if cfg.FlightCleanupInterval <= 0 {
		cfg.FlightCleanupInterval = 5 * time.Minute
	}
	if cfg.StorageMinSpeedKmh <= 0 {
		cfg.StorageMinSpeedKmh = 10
	}
	if cfg.RegionName == "" {
		cfg.RegionName = unknownRegion
	}
	return &Core{
		cfg:     cfg,
		deps:    deps,
		flights: flight.NewMachine(log),
		vario:   vario.NewTracker(),
		winch:   winch.NewDetector(log),
		logger:  log.Named("tracker"),
		live:    make(map[string]Aircraft),
	}, nil
}

// HandleBeacon processes one raw line received at now. Decoder errors are
// returned unchanged and leave all state untouched.
func (c *Core) HandleBeacon(now time.Time, raw ogn.RawBeacon) error {
	b, err := ogn.Decode(raw.Line, now)
	if err != nil {
		return err
	}

	id := b.ID()
	cleanID := ogn.CleanID(id)

	model, registration := unknownModel, ""
	if c.deps.Devices != nil {
		if dev, ok := c.deps.Devices.Lookup(cleanID); ok {
			if dev.Model != "" {
				model = dev.Model
			}
			registration = dev.Registration
		}
	}

	region := unknownRegion
	if c.cfg.RadiusKm > 0 && geo.DistanceKm(b.Latitude, b.Longitude, c.cfg.CenterLat, c.cfg.CenterLon) <= c.cfg.RadiusKm {
		region = c.cfg.RegionName
	}

	a := Aircraft{
		ID:            id,
		Timestamp:     b.Timestamp,
		Latitude:      b.Latitude,
		Longitude:     b.Longitude,
		Altitude:      b.Altitude,
		Track:         deref(b.Track),
		GroundSpeed:   deref(b.GroundSpeed),
		ClimbRate:     deref(b.ClimbRate),
		TurnRate:      deref(b.TurnRate),
		AircraftModel: model,
		Registration:  registration,
		AircraftType:  b.Category(),
		Region:        region,
		LastSeen:      now,
	}

	if c.cfg.MagneticTrack && b.Track != nil && c.deps.Declinator != nil {
		if decl, err := c.deps.Declinator.Declination(b.Latitude, b.Longitude, now); err != nil {
			c.logger.Debug("Declination unavailable", logger.Error(err))
		} else {
			mt := physics.MagneticTrack(*b.Track, decl)
			a.MagneticTrack = &mt
		}
	}

	club := c.deps.Clubs != nil && c.deps.Clubs.IsClubAircraft(cleanID)
	if club && b.ClimbRate != nil {
		avg := c.vario.Update(now, id, *b.ClimbRate)
		a.Averages = &avg
	}

	startedWinch := false
	if b.GroundSpeed != nil && b.Altitude != nil {
		ev, fired := c.flights.Observe(now, flight.Sample{
			AircraftID:   id,
			Latitude:     b.Latitude,
			Longitude:    b.Longitude,
			Altitude:     *b.Altitude,
			GroundSpeed:  *b.GroundSpeed,
			AircraftType: a.AircraftType,
			Model:        model,
			Registration: registration,
		})
		if fired {
			startedWinch = c.handleEvent(now, ev)
		}
	}
	a.StartType = string(c.flights.Launch(id))

	c.mu.RLock()
	prev, seen := c.live[id]
	c.mu.RUnlock()
	if seen && prev.WinchRelease != nil && a.StartType == string(flight.LaunchWinch) {
		a.WinchRelease = prev.WinchRelease
	}

	if !startedWinch && b.Altitude != nil && b.ClimbRate != nil && c.winch.Active(id) {
		if rel, ok := c.winch.Update(now, id, *b.Altitude, *b.ClimbRate); ok {
			a.WinchRelease = &rel
			if club && c.deps.Writer != nil {
				c.deps.Writer.EnqueueWinchAltitude(cleanID, rel.Altitude)
			}
		}
	}

	if club && a.GroundSpeed > c.cfg.StorageMinSpeedKmh && c.deps.Writer != nil {
		c.deps.Writer.EnqueuePosition(storage.Position{
			AircraftID:    id,
			FlarmID:       cleanID,
			Timestamp:     b.Timestamp,
			Latitude:      b.Latitude,
			Longitude:     b.Longitude,
			Altitude:      b.Altitude,
			Track:         b.Track,
			GroundSpeed:   b.GroundSpeed,
			ClimbRate:     b.ClimbRate,
			TurnRate:      b.TurnRate,
			AircraftModel: model,
			Registration:  registration,
			AircraftType:  a.AircraftType,
		})
	}

	c.mu.Lock()
	c.live[id] = a
	c.mu.Unlock()

	c.deps.Queues.OGNUpdates.Push(a)
	return nil
}

// handleEvent reports ev and adjusts winch tracking. It reports whether a
// winch launch started with this sample.
func (c *Core) handleEvent(now time.Time, ev flight.Event) bool {
	if c.deps.Reporter != nil {
		c.deps.Reporter.Report(ev)
	}
	if ev.Relabel != nil {
		c.winch.Cancel(ev.Relabel.AircraftID)
	}

	switch ev.Kind {
	case flight.KindTakeoff:
		if ev.Launch == flight.LaunchWinch {
			c.winch.Start(now, ev.AircraftID, ev.Altitude)
			return true
		}
	case flight.KindLanding:
		c.winch.Cancel(ev.AircraftID)
	}
	return false
}

// Run pulls beacons from stream until it ends or ctx is done. Per-beacon
// failures are logged and never stop the loop.
func (c *Core) Run(ctx context.Context, stream ogn.Stream) error {
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read beacon stream: %w", err)
		}
		c.safeHandle(raw)
	}
}

func (c *Core) safeHandle(raw ogn.RawBeacon) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while processing beacon",
				logger.Any("panic", r),
				logger.String("line", raw.Line),
				logger.String("stack", string(debug.Stack())))
		}
	}()

	now := raw.Received
	if now.IsZero() {
		now = time.Now().UTC()
	}
	err := c.HandleBeacon(now, raw)
	switch {
	case err == nil:
	case ogn.IsParseError(err):
		c.logger.Debug("Skipping beacon", logger.Error(err))
	case ogn.IsValidationError(err):
		c.logger.Warn("Invalid beacon", logger.Error(err))
	default:
		c.logger.Error("Error processing beacon", logger.Error(err))
	}
}

// Reap evicts aircraft not seen within the removal timeout and queues one
// removal message for each.
func (c *Core) Reap(now time.Time) int {
	c.mu.Lock()
	var removed []string
	for id, a := range c.live {
		if now.Sub(a.LastSeen) > c.cfg.RemovalTimeout {
			delete(c.live, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		c.deps.Queues.OGNRemovals.Push(outbound.Removal{ID: id, Source: SourceOGN})
	}
	if len(removed) > 0 {
		c.logger.Debug("Removed stale aircraft", logger.Int("count", len(removed)))
	}
	return len(removed)
}

// Cleanup runs the idle collection of the flight, variometer and winch trackers.
func (c *Core) Cleanup(now time.Time) {
	flights := c.flights.Cleanup(now, c.cfg.FlightIdle)
	histories := c.vario.Cleanup(now)
	launches := c.winch.Cleanup(now)
	c.logger.Debug("Tracker cleanup",
		logger.Int("flight_states", flights),
		logger.Int("vario_histories", histories),
		logger.Int("winch_records", launches))
}

// RunMaintenance runs the reaper and the cleanup jobs until ctx is done.
func (c *Core) RunMaintenance(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.every(ctx, "reaper", c.cfg.ReaperInterval, func(now time.Time) { c.Reap(now) })
	}()
	go func() {
		defer wg.Done()
		c.every(ctx, "cleanup", c.cfg.FlightCleanupInterval, c.Cleanup)
	}()
	wg.Wait()
}

// every calls fn on each tick. A panic in fn is logged and followed by a
// longer pause before the next run.
func (c *Core) every(ctx context.Context, name string, interval time.Duration, fn func(time.Time)) {
	for {
		delay := interval
		if !c.runGuarded(name, fn) {
			delay = panicBackoff
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Core) runGuarded(name string, fn func(time.Time)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in maintenance job", logger.String("job", name), logger.Any("panic", r))
			ok = false
		}
	}()
	fn(time.Now().UTC())
	return true
}

// Snapshot returns all live aircraft ordered by id.
func (c *Core) Snapshot() []Aircraft {
	c.mu.RLock()
	out := make([]Aircraft, 0, len(c.live))
	for _, a := range c.live {
		out = append(out, a)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the live state of one aircraft.
func (c *Core) Get(id string) (Aircraft, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.live[id]
	return a, ok
}

// Stats are table sizes for the health endpoint.
type Stats struct {
	Live           int `json:"live"`
	FlightStates   int `json:"flight_states"`
	VarioHistories int `json:"vario_histories"`
	WinchLaunches  int `json:"winch_launches"`
}

// Stats reports the current table sizes.
func (c *Core) Stats() Stats {
	c.mu.RLock()
	live := len(c.live)
	c.mu.RUnlock()
	return Stats{
		Live:           live,
		FlightStates:   c.flights.Len(),
		VarioHistories: c.vario.Len(),
		WinchLaunches:  c.winch.Len(),
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
