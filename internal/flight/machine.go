package flight

import (
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	TakeoffSpeedKmh    = 30.0
	TakeoffAltitudeM   = 20.0
	LandingAltitudeM   = 100.0
	EventCooldown      = 10 * time.Second
	StateIdleTimeout   = 30 * time.Minute
	takeoffRecordLimit = 60 * time.Second
)

// Kind is the flight event type.
type Kind string

const (
	KindTakeoff Kind = "takeoff"
	KindLanding Kind = "landing"
)

// Sample is one normalized position fed to the machine.
type Sample struct {
	AircraftID   string
	Latitude     float64
	Longitude    float64
	Altitude     float64 // metres
	GroundSpeed  float64 // km/h
	AircraftType string
	Model        string
	Registration string
}

// Event is a detected takeoff or landing.
type Event struct {
	Kind         Kind
	AircraftID   string
	Time         time.Time
	Latitude     float64
	Longitude    float64
	Altitude     float64
	GroundSpeed  float64
	AircraftType string
	Model        string
	Registration string
	Launch       Launch
	PairedWith   string

	// Relabel is set on a tug's takeoff when the glider it pairs with
	// already took off and was labeled before the tug was seen.
	Relabel *Relabel
}

// Relabel corrects the launch label of an aircraft that is already airborne.
type Relabel struct {
	AircraftID string
	Launch     Launch
	PairedWith string
}

type airborneState int

const (
	stateUnknown airborneState = iota
	stateGround
	stateAirborne
)

func (s airborneState) String() string {
	switch s {
	case stateGround:
		return "ground"
	case stateAirborne:
		return "airborne"
	default:
		return "unknown"
	}
}

type state struct {
	airborne    airborneState
	last        Sample
	lastUpdate  time.Time
	lastEvent   Kind
	lastEventAt time.Time
	takeoffAt   time.Time
	launch      Launch
	pairedWith  string
}

// Machine tracks the airborne state of every aircraft. It is safe for
// concurrent use.
type Machine struct {
	mu         sync.Mutex
	states     map[string]*state
	classifier Classifier
	logger     *logger.Logger
}

func NewMachine(log *logger.Logger) *Machine {
	return &Machine{
		states: make(map[string]*state),
		logger: log.Named("flight"),
	}
}

func (m *Machine) getOrCreate(id string) (*state, bool) {
	if st, ok := m.states[id]; ok {
		return st, false
	}
	st := &state{}
	m.states[id] = st
	return st, true
}

// Observe feeds one sample taken at now and returns the event it triggers.
func (m *Machine) Observe(now time.Time, s Sample) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := s.GroundSpeed >= TakeoffSpeedKmh && s.Altitude >= TakeoffAltitudeM

	st, created := m.getOrCreate(s.AircraftID)
	if created || st.airborne == stateUnknown {
		st.airborne = toState(current)
		st.last = s
		st.lastUpdate = now
		m.logger.Debug("Aircraft first detected",
			logger.String("aircraft_id", s.AircraftID),
			logger.String("state", st.airborne.String()),
			logger.Float64("altitude", s.Altitude),
			logger.Float64("ground_speed", s.GroundSpeed))
		return Event{}, false
	}

	prev := st.last
	wasAirborne := st.airborne == stateAirborne
	st.last = s
	st.lastUpdate = now

	cooling := !st.lastEventAt.IsZero() && now.Sub(st.lastEventAt) < EventCooldown

	switch {
	case !wasAirborne && current:
		// Only one of the previous speed or altitude has to be below its
		// threshold, so a ground state entered at speed can re-arm a takeoff.
		// Kept as observed in the field pending a decision on intent.
		if !(prev.GroundSpeed < TakeoffSpeedKmh || prev.Altitude < TakeoffAltitudeM) {
			return Event{}, false
		}
		st.airborne = stateAirborne
		if cooling {
			m.logger.Debug("Takeoff suppressed by cooldown", logger.String("aircraft_id", s.AircraftID))
			return Event{}, false
		}
		return m.takeoff(now, st, s), true

	case wasAirborne && !current:
		if s.Altitude > LandingAltitudeM {
			return Event{}, false
		}
		st.airborne = stateGround
		if cooling {
			m.logger.Debug("Landing suppressed by cooldown", logger.String("aircraft_id", s.AircraftID))
			return Event{}, false
		}
		return m.landing(now, st, s), true
	}

	return Event{}, false
}

func (m *Machine) takeoff(now time.Time, st *state, s Sample) Event {
	st.lastEvent = KindTakeoff
	st.lastEventAt = now
	st.takeoffAt = now

	rec := Takeoff{
		AircraftID:   s.AircraftID,
		Time:         now,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		AircraftType: s.AircraftType,
		Model:        s.Model,
	}
	m.classifier.Record(rec)
	launch, partner := m.classifier.Classify(now, rec)
	st.launch = launch
	st.pairedWith = partner

	ev := newEvent(KindTakeoff, now, s)
	ev.Launch = launch
	ev.PairedWith = partner

	if launch == LaunchTowPlane {
		if other, ok := m.states[partner]; ok && other.airborne == stateAirborne && other.launch != LaunchTow {
			other.launch = LaunchTow
			other.pairedWith = s.AircraftID
			ev.Relabel = &Relabel{AircraftID: partner, Launch: LaunchTow, PairedWith: s.AircraftID}
			m.logger.Info("Relabeled glider launch as aerotow",
				logger.String("glider", partner),
				logger.String("tow_plane", s.AircraftID))
		}
	}

	m.logger.Info("Detected takeoff",
		logger.String("aircraft_id", s.AircraftID),
		logger.Float64("altitude", s.Altitude),
		logger.Float64("ground_speed", s.GroundSpeed),
		logger.String("launch", string(launch)),
		logger.String("paired_with", partner))
	return ev
}

func (m *Machine) landing(now time.Time, st *state, s Sample) Event {
	st.lastEvent = KindLanding
	st.lastEventAt = now

	ev := newEvent(KindLanding, now, s)
	ev.Launch = st.launch
	ev.PairedWith = st.pairedWith
	st.launch = LaunchNone
	st.pairedWith = ""

	m.logger.Info("Detected landing",
		logger.String("aircraft_id", s.AircraftID),
		logger.Float64("altitude", s.Altitude),
		logger.Float64("ground_speed", s.GroundSpeed),
		logger.String("launch", string(ev.Launch)))
	return ev
}

// Launch returns the current launch label of id.
func (m *Machine) Launch(id string) Launch {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st.launch
	}
	return LaunchNone
}

// Cleanup drops states idle longer than idle and takeoff records older
// than a minute. It returns the number of states removed.
func (m *Machine) Cleanup(now time.Time, idle time.Duration) int {
	if idle <= 0 {
		idle = StateIdleTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, st := range m.states {
		if now.Sub(st.lastUpdate) > idle {
			delete(m.states, id)
			removed++
		}
	}
	m.classifier.Prune(now, takeoffRecordLimit)
	return removed
}

// Len returns the number of tracked flight states.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func toState(airborne bool) airborneState {
	if airborne {
		return stateAirborne
	}
	return stateGround
}

func newEvent(kind Kind, now time.Time, s Sample) Event {
	return Event{
		Kind:         kind,
		AircraftID:   s.AircraftID,
		Time:         now,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		Altitude:     s.Altitude,
		GroundSpeed:  s.GroundSpeed,
		AircraftType: s.AircraftType,
		Model:        s.Model,
		Registration: s.Registration,
	}
}
