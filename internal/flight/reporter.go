package flight

import (
	"github.com/fsk-gliding/ogn-tracker/internal/airfield"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/webhook"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// EventOrigin tags events written by this tracker.
const EventOrigin = "fsk-flarm-tracker"

// Locator maps a position to an airfield label.
type Locator interface {
	Resolve(lat, lon float64) (airfield.Location, bool)
}

// HomefieldChecker reports whether an ICAO code is a club homefield.
type HomefieldChecker interface {
	IsRegisteredHomefield(code string) bool
}

// EventWriter queues events for storage.
type EventWriter interface {
	EnqueueFlightEvent(e storage.FlightEvent) bool
}

// Notifier delivers webhook notifications.
type Notifier interface {
	Send(n webhook.Notification)
}

// EventPublisher publishes events on the message bus.
type EventPublisher interface {
	PublishFlightEvent(e storage.FlightEvent) error
}

// Reporter geotags events and hands those at club homefields to storage,
// the webhook and the event bus. Any of the sinks may be nil.
type Reporter struct {
	locator    Locator
	homefields HomefieldChecker
	writer     EventWriter
	notifier   Notifier
	publisher  EventPublisher
	logger     *logger.Logger
}

// NewReporter creates a Reporter.
func NewReporter(locator Locator, homefields HomefieldChecker, writer EventWriter, notifier Notifier, publisher EventPublisher, log *logger.Logger) *Reporter {
	return &Reporter{
		locator:    locator,
		homefields: homefields,
		writer:     writer,
		notifier:   notifier,
		publisher:  publisher,
		logger:     log.Named("flight"),
	}
}

// Build turns ev into its stored form and returns the homefield ICAO code
// it resolved to, empty when the location is not a known airfield.
func (r *Reporter) Build(ev Event) (storage.FlightEvent, string) {
	out := storage.FlightEvent{
		Type:          string(ev.Kind),
		Origin:        EventOrigin,
		ID:            ev.AircraftID,
		Timestamp:     ev.Time.UTC(),
		AircraftType:  ev.AircraftType,
		AircraftModel: ev.Model,
		Registration:  ev.Registration,
		StartType:     string(ev.Launch),
		PairedWith:    ev.PairedWith,
	}

	icao := ""
	loc, ok := airfield.Location{}, false
	if r.locator != nil {
		loc, ok = r.locator.Resolve(ev.Latitude, ev.Longitude)
	}
	switch {
	case ok && loc.Known:
		out.Airfield = loc.Name
		out.AirfieldICAO = loc.ICAO
		icao = loc.ICAO
	default:
		lat, lon := ev.Latitude, ev.Longitude
		out.Airfield = airfield.Unknown
		out.Latitude = &lat
		out.Longitude = &lon
	}
	return out, icao
}

// Report delivers ev if it happened at a registered homefield. It returns
// the delivered record and false when the event was filtered out.
func (r *Reporter) Report(ev Event) (storage.FlightEvent, bool) {
	out, icao := r.Build(ev)

	if icao == "" || r.homefields == nil || !r.homefields.IsRegisteredHomefield(icao) {
		r.logger.Debug("Skipping event outside registered homefields",
			logger.String("type", out.Type),
			logger.String("aircraft_id", out.ID),
			logger.String("airfield", out.Airfield))
		return out, false
	}

	if r.writer != nil {
		r.writer.EnqueueFlightEvent(out)
	}
	if r.notifier != nil {
		r.notifier.Send(webhook.Notification{Type: out.Type, ID: out.ID, Airfield: icao})
	}
	if r.publisher != nil {
		if err := r.publisher.PublishFlightEvent(out); err != nil {
			r.logger.Warn("Failed to publish flight event", logger.Error(err), logger.String("aircraft_id", out.ID))
		}
	}

	r.logger.Info("Logged flight event",
		logger.String("type", out.Type),
		logger.String("aircraft_id", out.ID),
		logger.String("airfield", out.Airfield),
		logger.String("start_type", out.StartType))
	return out, true
}
