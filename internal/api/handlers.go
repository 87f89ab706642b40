// Package api serves the HTTP surface: the websocket endpoint, health and a
// small read-only JSON API over the live tables and storage.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fsk-gliding/ogn-tracker/internal/adsb"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/tracker"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	queryTimeout      = 5 * time.Second
)

// LiveTable is the OGN live state.
type LiveTable interface {
	Snapshot() []tracker.Aircraft
	Get(id string) (tracker.Aircraft, bool)
	Stats() tracker.Stats
}

// ADSBTable is the ADS-B live state.
type ADSBTable interface {
	Snapshot() []adsb.Aircraft
}

// History is the slice of storage the API reads.
type History interface {
	AircraftTrack(ctx context.Context, aircraftID string, limit int) ([]storage.Position, error)
	RecentFlightEvents(ctx context.Context, limit int) ([]storage.FlightEvent, error)
}

// Hub is the websocket hub.
type Hub interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Handler contains the API handlers
type Handler struct {
	ogn        LiveTable
	adsb       ADSBTable
	history    History
	hub        Hub
	trackLimit int
	started    time.Time
	logger     *logger.Logger

	checks map[string]func() interface{}
}

// NewHandler creates a new API handler. adsbTable may be nil when the ADS-B
// source is disabled.
func NewHandler(ogn LiveTable, adsbTable ADSBTable, history History, hub Hub, trackLimit int, log *logger.Logger) *Handler {
	if trackLimit <= 0 {
		trackLimit = 100
	}
	return &Handler{
		ogn:        ogn,
		adsb:       adsbTable,
		history:    history,
		hub:        hub,
		trackLimit: trackLimit,
		started:    time.Now(),
		logger:     log.Named("api-handler"),
		checks:     map[string]func() interface{}{},
	}
}

// AddHealthCheck adds a named section to the health response. Call before
// serving.
func (h *Handler) AddHealthCheck(name string, fn func() interface{}) {
	h.checks[name] = fn
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"ogn":            h.ogn.Stats(),
		"clients":        h.hub.ClientCount(),
	}
	if h.adsb != nil {
		response["adsb_aircraft"] = len(h.adsb.Snapshot())
	}
	for name, fn := range h.checks {
		response[name] = fn()
	}
	WriteJSON(w, http.StatusOK, response)
}

// GetAllAircraft returns the OGN live table. The optional "type" query
// parameter filters by aircraft type, case-insensitively.
func (h *Handler) GetAllAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := h.ogn.Snapshot()

	if want := r.URL.Query().Get("type"); want != "" {
		filtered := make([]tracker.Aircraft, 0, len(aircraft))
		for _, a := range aircraft {
			if strings.EqualFold(a.AircraftType, want) {
				filtered = append(filtered, a)
			}
		}
		aircraft = filtered
	}
	if aircraft == nil {
		aircraft = []tracker.Aircraft{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(aircraft),
		"aircraft": aircraft,
	})
}

// GetAircraft returns the live state of one OGN aircraft.
func (h *Handler) GetAircraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	aircraft, found := h.ogn.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "Aircraft not found")
		return
	}
	WriteJSON(w, http.StatusOK, aircraft)
}

// GetADSBAircraft returns the ADS-B live table.
func (h *Handler) GetADSBAircraft(w http.ResponseWriter, r *http.Request) {
	aircraft := []adsb.Aircraft{}
	if h.adsb != nil {
		if list := h.adsb.Snapshot(); list != nil {
			aircraft = list
		}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(aircraft),
		"aircraft": aircraft,
	})
}

// GetAircraftTrack returns the stored positions of one aircraft, newest
// first.
func (h *Handler) GetAircraftTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing aircraft ID")
		return
	}

	limit := parseLimit(r, h.trackLimit, h.trackLimit)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	track, err := h.history.AircraftTrack(ctx, id, limit)
	if err != nil {
		h.logger.Error("Failed to get aircraft track",
			logger.Error(err),
			logger.String("aircraft_id", id),
			logger.Int("limit", limit))
		writeError(w, http.StatusInternalServerError, "Failed to get aircraft track")
		return
	}
	if track == nil {
		track = []storage.Position{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"aircraft_id": id,
		"positions":   track,
	})
}

// GetFlightEvents returns the most recent takeoffs and landings.
func (h *Handler) GetFlightEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultEventLimit, maxEventLimit)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	events, err := h.history.RecentFlightEvents(ctx, limit)
	if err != nil {
		h.logger.Error("Failed to get flight events", logger.Error(err), logger.Int("limit", limit))
		writeError(w, http.StatusInternalServerError, "Failed to get flight events")
		return
	}
	if events == nil {
		events = []storage.FlightEvent{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

// parseLimit reads the "limit" query parameter, falling back to def for
// missing or invalid values and capping at ceiling.
func parseLimit(r *http.Request, def, ceiling int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
