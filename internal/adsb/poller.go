package adsb

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// Fetcher returns the targets around a point.
type Fetcher interface {
	FetchPoint(ctx context.Context, lat, lon, radiusKm float64) ([]Target, error)
}

// ClientCounter reports how many subscribers are connected.
type ClientCounter interface {
	ClientCount() int
}

// PollerConfig configures the poll area, filters and timers.
type PollerConfig struct {
	CenterLat        float64
	CenterLon        float64
	RadiusKm         float64
	Interval         time.Duration
	MaxAltitudeFt    float64
	IgnoredCallsigns []string
	SweepInterval    time.Duration
	RemovalTimeout   time.Duration
}

// Poller owns the ADS-B live table. It only fetches while somebody is
// listening and empties the table when the last subscriber leaves.
type Poller struct {
	cfg     PollerConfig
	fetcher Fetcher
	clients ClientCounter
	queues  *outbound.Queues
	logger  *logger.Logger

	mu         sync.RWMutex
	aircraft   map[string]Aircraft
	hadClients bool
	lastSweep  time.Time
}

func NewPoller(cfg PollerConfig, fetcher Fetcher, clients ClientCounter, queues *outbound.Queues, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAltitudeFt <= 0 {
		cfg.MaxAltitudeFt = 5000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RemovalTimeout <= 0 {
		cfg.RemovalTimeout = 600 * time.Second
	}
	return &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		clients:  clients,
		queues:   queues,
		logger:   log.Named("adsb"),
		aircraft: make(map[string]Aircraft),
	}
}

// Run polls on the configured interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Starting ADS-B poller",
		logger.Duration("interval", p.cfg.Interval),
		logger.Float64("radius_km", p.cfg.RadiusKm))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ADS-B poller stopped")
			return
		case <-ticker.C:
			p.safeTick(ctx, time.Now().UTC())
		}
	}
}

func (p *Poller) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in ADS-B poll",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	if err := p.Tick(ctx, now); err != nil {
		p.logger.Error("Failed to fetch ADS-B data", logger.Error(err))
	}
}

// Tick runs one poll iteration at now. A fetch error leaves the table as it
// was; the next tick retries.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	count := p.clients.ClientCount()
	has := count > 0

	switch {
	case has && !p.hadClients:
		p.logger.Info("Resuming ADS-B fetching", logger.Int("clients", count))
	case !has && p.hadClients:
		p.logger.Info("Pausing ADS-B fetching, no clients connected")
		p.clear()
	}
	p.hadClients = has

	if !has {
		p.logger.Debug("No clients connected, skipping ADS-B fetch")
		return nil
	}

	targets, err := p.fetcher.FetchPoint(ctx, p.cfg.CenterLat, p.cfg.CenterLon, p.cfg.RadiusKm)
	if err != nil {
		return err
	}
	p.apply(now, targets)

	if p.lastSweep.IsZero() {
		p.lastSweep = now
	} else if now.Sub(p.lastSweep) >= p.cfg.SweepInterval {
		p.sweep(now)
		p.lastSweep = now
	}
	return nil
}

// keep applies the altitude and callsign filters.
func (p *Poller) keep(a Aircraft) bool {
	if a.Altitude != nil && *a.Altitude > p.cfg.MaxAltitudeFt {
		return false
	}
	for _, cs := range p.cfg.IgnoredCallsigns {
		if a.Flight != "" && a.Flight == cs {
			return false
		}
	}
	return true
}

// apply diffs one fetch against the table.
func (p *Poller) apply(now time.Time, targets []Target) {
	current := make(map[string]Aircraft, len(targets))
	for _, t := range targets {
		a, ok := Normalize(t, now)
		if !ok || !p.keep(a) {
			continue
		}
		current[a.AircraftID] = a
	}

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	p.mu.Lock()
	var updates []Aircraft
	for _, id := range ids {
		a := current[id]
		prev, known := p.aircraft[id]
		p.aircraft[id] = a
		if !known || !sameState(prev, a) {
			updates = append(updates, a)
		}
	}
	var removed []outbound.ADSBRemoval
	for id, prev := range p.aircraft {
		if _, ok := current[id]; !ok {
			delete(p.aircraft, id)
			removed = append(removed, outbound.ADSBRemoval{AircraftID: id, Hex: prev.Hex})
		}
	}
	p.mu.Unlock()

	for _, a := range updates {
		p.queues.ADSB.Push(outbound.ADSBChange{Update: a})
	}
	p.pushRemovals(removed)

	if len(updates) > 0 || len(removed) > 0 {
		p.logger.Debug("Processed ADS-B fetch",
			logger.Int("aircraft", len(current)),
			logger.Int("updated", len(updates)),
			logger.Int("removed", len(removed)))
	}
}

func (p *Poller) pushRemovals(removed []outbound.ADSBRemoval) {
	sort.Slice(removed, func(i, j int) bool { return removed[i].AircraftID < removed[j].AircraftID })
	for _, r := range removed {
		p.queues.ADSB.Push(outbound.ADSBChange{Removal: &r})
	}
}

// clear empties the table with one removal per entry.
func (p *Poller) clear() {
	p.mu.Lock()
	removed := make([]outbound.ADSBRemoval, 0, len(p.aircraft))
	for id, a := range p.aircraft {
		removed = append(removed, outbound.ADSBRemoval{AircraftID: id, Hex: a.Hex})
	}
	p.aircraft = make(map[string]Aircraft)
	p.mu.Unlock()

	p.pushRemovals(removed)
	p.logger.Info("Cleared ADS-B aircraft", logger.Int("count", len(removed)))
}

// sweep removes entries whose last-seen is older than the removal timeout,
// even when the latest fetch still listed them.
func (p *Poller) sweep(now time.Time) int {
	p.mu.Lock()
	var removed []outbound.ADSBRemoval
	for id, a := range p.aircraft {
		if now.Sub(a.LastSeen) > p.cfg.RemovalTimeout {
			delete(p.aircraft, id)
			removed = append(removed, outbound.ADSBRemoval{AircraftID: id, Hex: a.Hex})
		}
	}
	p.mu.Unlock()

	p.pushRemovals(removed)
	for _, r := range removed {
		p.logger.Info("Removed stale ADS-B aircraft",
			logger.String("aircraft_id", r.AircraftID),
			logger.Duration("timeout", p.cfg.RemovalTimeout))
	}
	return len(removed)
}

// Snapshot returns the live table ordered by aircraft id.
func (p *Poller) Snapshot() []Aircraft {
	p.mu.RLock()
	out := make([]Aircraft, 0, len(p.aircraft))
	for _, a := range p.aircraft {
		out = append(out, a)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AircraftID < out[j].AircraftID })
	return out
}

// Len reports the number of live entries.
func (p *Poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.aircraft)
}
