// Package vario smooths per-aircraft climb rates into short-term medians.
package vario

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// Capacity of the per-aircraft ring.
	Capacity = 60

	shortWindow = 30 * time.Second
	longWindow  = 60 * time.Second
	minShort    = 3
	minLong     = 5

	// IdleTimeout drops histories whose newest sample is older than this.
	IdleTimeout = 5 * time.Minute
)

type sample struct {
	at   time.Time
	rate float64
}

// history is a fixed-capacity ring of samples, oldest first from start.
type history struct {
	buf   [Capacity]sample
	start int
	n     int
}

func (h *history) push(s sample) {
	if h.n < Capacity {
		h.buf[(h.start+h.n)%Capacity] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % Capacity
}

func (h *history) newest() sample {
	return h.buf[(h.start+h.n-1)%Capacity]
}

// since returns the rates at or after cutoff.
func (h *history) since(cutoff time.Time) []float64 {
	out := make([]float64, 0, h.n)
	for i := 0; i < h.n; i++ {
		s := h.buf[(h.start+i)%Capacity]
		if !s.at.Before(cutoff) {
			out = append(out, s.rate)
		}
	}
	return out
}

// Averages is the smoothed climb report for one aircraft. A nil average
// means the window held too few samples.
type Averages struct {
	Avg30s    *float64 `json:"climb_rate_30s_avg"`
	Avg60s    *float64 `json:"climb_rate_60s_avg"`
	Points30s int      `json:"data_points_30s"`
	Points60s int      `json:"data_points_60s"`
}

// Tracker owns the variometer histories.
type Tracker struct {
	mu        sync.Mutex
	histories map[string]*history
}

func NewTracker() *Tracker {
	return &Tracker{histories: make(map[string]*history)}
}

// Update appends a climb-rate sample taken at now and returns the windowed medians.
func (t *Tracker) Update(now time.Time, id string, rate float64) Averages {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.histories[id]
	if !ok {
		h = &history{}
		t.histories[id] = h
	}
	h.push(sample{at: now, rate: rate})

	short := h.since(now.Add(-shortWindow))
	long := h.since(now.Add(-longWindow))

	avg := Averages{Points30s: len(short), Points60s: len(long)}
	if len(short) >= minShort {
		v := round2(median(short))
		avg.Avg30s = &v
	}
	if len(long) >= minLong {
		v := round2(median(long))
		avg.Avg60s = &v
	}
	return avg
}

// Cleanup drops histories whose newest sample is older than IdleTimeout.
func (t *Tracker) Cleanup(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-IdleTimeout)
	removed := 0
	for id, h := range t.histories {
		if h.n == 0 || h.newest().at.Before(cutoff) {
			delete(t.histories, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked aircraft.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.histories)
}

func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
