// Package ddb keeps an in-memory copy of the OGN device database, the
// registry that maps FLARM/OGN device addresses to aircraft model and
// registration.
package ddb

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const DefaultURL = "https://ddb.glidernet.org/download/"

// Device is one row of the device database.
type Device struct {
	DeviceType   string `json:"device_type"` // F (FLARM), I (ICAO), O (OGN)
	DeviceID     string `json:"device_id"`
	Model        string `json:"aircraft_model"`
	Registration string `json:"registration"`
	CN           string `json:"cn"`
	Tracked      bool   `json:"tracked"`
	Identified   bool   `json:"identified"`
}

// DeviceStore persists the device table for a warm start.
type DeviceStore interface {
	ReplaceDevices(ctx context.Context, devices []Device) error
	Devices(ctx context.Context) ([]Device, error)
}

// Registry answers lookups from an immutable map that Refresh swaps
// atomically, so a lookup never waits on the download.
type Registry struct {
	url    string
	client *http.Client
	store  DeviceStore
	logger *logger.Logger

	devices atomic.Pointer[map[string]Device]
	updated atomic.Pointer[time.Time]
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(url string, timeout time.Duration, store DeviceStore, log *logger.Logger) *Registry {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Registry{
		url:    url,
		client: &http.Client{Timeout: timeout},
		store:  store,
		logger: log.Named("ddb"),
	}
	empty := map[string]Device{}
	r.devices.Store(&empty)
	return r
}

// Lookup finds a device by address. A known callsign prefix is stripped first.
func (r *Registry) Lookup(id string) (Device, bool) {
	m := *r.devices.Load()
	d, ok := m[normalizeID(id)]
	return d, ok
}

// Len returns the number of devices currently loaded.
func (r *Registry) Len() int {
	return len(*r.devices.Load())
}

// UpdatedAt returns when the table was last replaced.
func (r *Registry) UpdatedAt() time.Time {
	if t := r.updated.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

// Replace swaps in a new device table.
func (r *Registry) Replace(devices []Device) {
	m := make(map[string]Device, len(devices))
	for _, d := range devices {
		m[strings.ToUpper(d.DeviceID)] = d
	}
	now := time.Now().UTC()
	r.devices.Store(&m)
	r.updated.Store(&now)
}

// LoadCached fills the registry from the store, if there is one.
func (r *Registry) LoadCached(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.Devices(ctx)
	if err != nil {
		return fmt.Errorf("load cached devices: %w", err)
	}
	if len(devices) > 0 {
		r.Replace(devices)
		r.logger.Info("Loaded cached device database", logger.Int("devices", len(devices)))
	}
	return nil
}

// Refresh downloads the database, swaps it in and persists it.
func (r *Registry) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("download device database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download device database: status %d", resp.StatusCode)
	}

	devices, err := Parse(resp.Body)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("device database is empty")
	}
	r.Replace(devices)
	r.logger.Info("Device database refreshed", logger.Int("devices", len(devices)))

	if r.store != nil {
		if err := r.store.ReplaceDevices(ctx, devices); err != nil {
			r.logger.Error("Failed to persist device database", logger.Error(err))
		}
	}
	return nil
}

// Run refreshes on start and then every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Device database refresh failed", logger.Error(err), logger.Int("cached", r.Len()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("Device database refresh failed", logger.Error(err), logger.Int("cached", r.Len()))
			}
		}
	}
}

// Parse reads the glidernet CSV export. Fields are quoted with single
// quotes and the header row starts with '#'.
func Parse(src io.Reader) ([]Device, error) {
	cr := csv.NewReader(src)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []Device
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse device database: %w", err)
		}
		if len(rec) < 7 {
			continue
		}
		for i := range rec {
			rec[i] = strings.Trim(strings.TrimSpace(rec[i]), "'")
		}
		if rec[1] == "" || rec[1] == "DEVICE_ID" {
			continue
		}
		out = append(out, Device{
			DeviceType:   rec[0],
			DeviceID:     strings.ToUpper(rec[1]),
			Model:        rec[2],
			Registration: rec[3],
			CN:           rec[4],
			Tracked:      rec[5] == "Y",
			Identified:   rec[6] == "Y",
		})
	}
	return out, nil
}

func normalizeID(id string) string {
	id = strings.ToUpper(id)
	for _, p := range []string{"FLR", "ICA", "OGN"} {
		if strings.HasPrefix(id, p) && len(id) == len(p)+6 {
			return id[len(p):]
		}
	}
	return id
}
