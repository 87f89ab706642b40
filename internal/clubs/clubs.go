// Package clubs caches the two club-registry lookups the tracker makes on
// every beacon: which airfields are club homefields and which aircraft
// belong to a club.
package clubs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

// Source is the registry the caches are filled from.
type Source interface {
	ActiveHomefields(ctx context.Context) ([]string, error)
	ClubFlarmIDs(ctx context.Context) ([]string, error)
}

type Directory struct {
	src    Source
	logger *logger.Logger

	homefieldEvery time.Duration
	planesEvery    time.Duration

	mu           sync.RWMutex
	homefields   map[string]struct{}
	planes       map[string]struct{}
	homefieldsAt time.Time
	planesAt     time.Time
}

func NewDirectory(src Source, homefieldEvery, planesEvery time.Duration, log *logger.Logger) *Directory {
	if homefieldEvery <= 0 {
		homefieldEvery = 5 * time.Minute
	}
	if planesEvery <= 0 {
		planesEvery = 30 * time.Minute
	}
	return &Directory{
		src:            src,
		logger:         log.Named("clubs"),
		homefieldEvery: homefieldEvery,
		planesEvery:    planesEvery,
		homefields:     map[string]struct{}{},
		planes:         map[string]struct{}{},
	}
}

// IsRegisteredHomefield reports whether code is the homefield of an active club.
func (d *Directory) IsRegisteredHomefield(code string) bool {
	if code == "" || code == "UNKNOWN" {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.homefields[code]
	return ok
}

// IsClubAircraft reports whether the clean FLARM id belongs to a club plane.
func (d *Directory) IsClubAircraft(cleanID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.planes[strings.ToUpper(cleanID)]
	return ok
}

// Counts returns the sizes of both sets.
func (d *Directory) Counts() (homefields, planes int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.homefields), len(d.planes)
}

// Refresh reloads each set whose interval has elapsed, or both when force
// is set. A failed load keeps the previous set.
func (d *Directory) Refresh(ctx context.Context, now time.Time, force bool) {
	d.mu.RLock()
	dueHome := force || now.Sub(d.homefieldsAt) >= d.homefieldEvery
	duePlanes := force || now.Sub(d.planesAt) >= d.planesEvery
	d.mu.RUnlock()

	if dueHome {
		codes, err := d.src.ActiveHomefields(ctx)
		if err != nil {
			d.logger.Warn("Failed to refresh homefields, keeping previous set", logger.Error(err))
		} else {
			set := toSet(codes, false)
			d.mu.Lock()
			d.homefields = set
			d.homefieldsAt = now
			d.mu.Unlock()
			d.logger.Debug("Homefields refreshed", logger.Int("count", len(set)))
		}
	}

	if duePlanes {
		ids, err := d.src.ClubFlarmIDs(ctx)
		if err != nil {
			d.logger.Warn("Failed to refresh club planes, keeping previous set", logger.Error(err))
		} else {
			set := toSet(ids, true)
			d.mu.Lock()
			d.planes = set
			d.planesAt = now
			d.mu.Unlock()
			d.logger.Debug("Club planes refreshed", logger.Int("count", len(set)))
		}
	}
}

// Run refreshes both sets at start and then checks once a minute.
func (d *Directory) Run(ctx context.Context) {
	d.Refresh(ctx, time.Now(), true)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Refresh(ctx, now, false)
		}
	}
}

func toSet(values []string, upper bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if upper {
			v = strings.ToUpper(v)
		}
		set[v] = struct{}{}
	}
	return set
}
