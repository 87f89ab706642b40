package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const writeTimeout = 5 * time.Second

type jobKind int

const (
	jobPosition jobKind = iota
	jobFlightEvent
	jobWinchAltitude
)

type job struct {
	kind     jobKind
	position Position
	event    FlightEvent
	flarmID  string
	altitude float64
}

// Writer performs store writes on its own goroutine. Enqueue never blocks:
// when the queue is full the write is dropped and counted.
type Writer struct {
	store  Store
	jobs   chan job
	logger *logger.Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

// WriterStats are the writer counters.
type WriterStats struct {
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func NewWriter(store Store, queueLen int, log *logger.Logger) *Writer {
	if queueLen <= 0 {
		queueLen = 1024
	}
	return &Writer{
		store:  store,
		jobs:   make(chan job, queueLen),
		logger: log.Named("store-writer"),
	}
}

// EnqueuePosition stores p after attaching the active logbook entry of its
// FLARM id, if any.
func (w *Writer) EnqueuePosition(p Position) bool {
	return w.enqueue(job{kind: jobPosition, position: p})
}

func (w *Writer) EnqueueFlightEvent(e FlightEvent) bool {
	return w.enqueue(job{kind: jobFlightEvent, event: e})
}

// EnqueueWinchAltitude records a winch launch altitude on the active
// logbook entry of flarmID.
func (w *Writer) EnqueueWinchAltitude(flarmID string, altitude float64) bool {
	return w.enqueue(job{kind: jobWinchAltitude, flarmID: flarmID, altitude: altitude})
}

func (w *Writer) enqueue(j job) bool {
	select {
	case w.jobs <- j:
		return true
	default:
		n := w.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			w.logger.Warn("Store queue full, dropping write", logger.Int64("dropped_total", int64(n)))
		}
		return false
	}
}

// Stats returns the counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:  len(w.jobs),
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}

// Run processes writes until ctx is done, then flushes what is queued.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case j := <-w.jobs:
			w.process(context.Background(), j)
		}
	}
}

func (w *Writer) flush() {
	deadline := time.Now().Add(writeTimeout)
	for time.Now().Before(deadline) {
		select {
		case j := <-w.jobs:
			w.process(context.Background(), j)
		default:
			return
		}
	}
}

func (w *Writer) process(parent context.Context, j job) {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case jobPosition:
		p := j.position
		if p.FlarmID != "" && p.FlightLogbookID == "" {
			if id, ok, ferr := w.store.FindActiveFlight(ctx, p.FlarmID); ferr != nil {
				w.logger.Warn("Active flight lookup failed", logger.String("flarm_id", p.FlarmID), logger.Error(ferr))
			} else if ok {
				p.FlightLogbookID = id
			}
		}
		err = w.store.StorePosition(ctx, p)
	case jobFlightEvent:
		err = w.store.StoreFlightEvent(ctx, j.event)
		if err == nil {
			w.logger.Info("Stored flight event",
				logger.String("type", j.event.Type),
				logger.String("aircraft_id", j.event.ID),
				logger.String("airfield", j.event.Airfield))
		}
	case jobWinchAltitude:
		var (
			id string
			ok bool
		)
		id, ok, err = w.store.FindActiveFlight(ctx, j.flarmID)
		if err == nil {
			if !ok {
				w.logger.Debug("No active flight for winch launch", logger.String("flarm_id", j.flarmID))
				return
			}
			err = w.store.UpdateFlightWinchAltitude(ctx, id, j.altitude)
			if err == nil {
				w.logger.Info("Updated winch launch altitude",
					logger.String("flight_id", id),
					logger.Float64("altitude", j.altitude))
			}
		}
	}

	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Store write failed", logger.Int("kind", int(j.kind)), logger.Error(err))
		return
	}
	w.written.Add(1)
}
