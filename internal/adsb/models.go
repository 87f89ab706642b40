package adsb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceADSB tags entries of the secondary live table.
const SourceADSB = "adsb"

// FlexibleField holds a JSON value that may arrive as a number or a string.
// alt_baro is the reason it exists: the API sends "ground" for aircraft on
// the ground and a number of feet otherwise.
type FlexibleField struct {
	num *float64
	str string
}

func (f *FlexibleField) UnmarshalJSON(data []byte) error {
	*f = FlexibleField{}
	if string(data) == "null" {
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.num = &num
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		f.str = str
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			f.num = &v
		}
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		v := 0.0
		if b {
			v = 1
		}
		f.num = &v
		return nil
	}

	return fmt.Errorf("cannot unmarshal %s into FlexibleField", data)
}

// Value returns the numeric value, nil when absent or not a number.
func (f FlexibleField) Value() *float64 {
	if f.num == nil {
		return nil
	}
	v := *f.num
	return &v
}

// IsGround reports the "ground" marker.
func (f FlexibleField) IsGround() bool {
	return strings.EqualFold(f.str, "ground")
}

// Target is one aircraft as returned by the point query. Only the fields the
// tracker forwards are decoded.
type Target struct {
	Hex          string        `json:"hex"`
	Flight       string        `json:"flight"`
	Registration string        `json:"r"`
	AircraftType string        `json:"t"`
	AltBaro      FlexibleField `json:"alt_baro"`
	GS           FlexibleField `json:"gs"`
	Track        FlexibleField `json:"track"`
	BaroRate     FlexibleField `json:"baro_rate"`
	Squawk       string        `json:"squawk"`
	Category     string        `json:"category"`
	Lat          FlexibleField `json:"lat"`
	Lon          FlexibleField `json:"lon"`
	Seen         FlexibleField `json:"seen"`
}

type pointResponse struct {
	Now float64  `json:"now,omitempty"`
	AC  []Target `json:"ac"`
}

// Aircraft is the live state of one ADS-B aircraft as sent to subscribers.
// Units are the source's: feet, knots and feet per minute.
type Aircraft struct {
	AircraftID   string    `json:"aircraft_id"`
	Source       string    `json:"source"`
	Hex          string    `json:"hex"`
	Flight       string    `json:"flight,omitempty"`
	Registration string    `json:"registration,omitempty"`
	AircraftType string    `json:"aircraft_type,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Altitude     *float64  `json:"altitude,omitempty"`
	OnGround     bool      `json:"on_ground"`
	GroundSpeed  *float64  `json:"ground_speed,omitempty"`
	Track        *float64  `json:"track,omitempty"`
	VerticalRate *float64  `json:"vertical_rate,omitempty"`
	Squawk       string    `json:"squawk,omitempty"`
	Category     string    `json:"category,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Normalize maps a target received at now to live state. Targets without a
// hex address are rejected.
func Normalize(t Target, now time.Time) (Aircraft, bool) {
	hex := strings.ToUpper(strings.TrimSpace(t.Hex))
	if hex == "" {
		return Aircraft{}, false
	}

	a := Aircraft{
		AircraftID:   "adsb_" + hex,
		Source:       SourceADSB,
		Hex:          hex,
		Flight:       strings.TrimSpace(t.Flight),
		Registration: t.Registration,
		AircraftType: t.AircraftType,
		Latitude:     t.Lat.Value(),
		Longitude:    t.Lon.Value(),
		OnGround:     t.AltBaro.IsGround(),
		GroundSpeed:  t.GS.Value(),
		Track:        t.Track.Value(),
		VerticalRate: t.BaroRate.Value(),
		Squawk:       t.Squawk,
		Category:     t.Category,
		LastSeen:     now,
	}
	if !a.OnGround {
		a.Altitude = t.AltBaro.Value()
	}
	if seen := t.Seen.Value(); seen != nil && *seen > 0 {
		a.LastSeen = now.Add(-time.Duration(*seen * float64(time.Second)))
	}
	return a, true
}

// sameState compares two entries ignoring LastSeen.
func sameState(a, b Aircraft) bool {
	return a.AircraftID == b.AircraftID &&
		a.Hex == b.Hex &&
		a.Flight == b.Flight &&
		a.Registration == b.Registration &&
		a.AircraftType == b.AircraftType &&
		a.OnGround == b.OnGround &&
		a.Squawk == b.Squawk &&
		a.Category == b.Category &&
		sameFloat(a.Latitude, b.Latitude) &&
		sameFloat(a.Longitude, b.Longitude) &&
		sameFloat(a.Altitude, b.Altitude) &&
		sameFloat(a.GroundSpeed, b.GroundSpeed) &&
		sameFloat(a.Track, b.Track) &&
		sameFloat(a.VerticalRate, b.VerticalRate)
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
