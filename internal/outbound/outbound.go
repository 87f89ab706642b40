// Package outbound holds the queues between the producers (APRS reader,
// reaper, ADS-B poller) and the single broadcast loop.
package outbound

import "sync"

// Queue is an unbounded FIFO. Push never blocks and Drain never waits.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Message is one subscriber frame, {type, data} on the wire.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Message types.
const (
	TypeAircraftData        = "aircraft_data"
	TypeAircraftUpdate      = "aircraft_update"
	TypeAircraftRemoved     = "aircraft_removed"
	TypeADSBAircraftData    = "adsb_aircraft_data"
	TypeADSBAircraftUpdate  = "adsb_aircraft_update"
	TypeADSBAircraftRemoved = "adsb_aircraft_removed"
	TypeTrackRequest        = "track_request"
	TypeAircraftTrack       = "aircraft_track"
)

// Removal identifies an OGN aircraft that left the live table.
type Removal struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// ADSBRemoval identifies an ADS-B aircraft that left the live table.
type ADSBRemoval struct {
	AircraftID string `json:"aircraft_id"`
	Hex        string `json:"hex"`
}

// ADSBChange is an ADS-B update or removal; exactly one side is set.
type ADSBChange struct {
	Update  any
	Removal *ADSBRemoval
}

// Queues bundles the producer queues. The broadcast loop drains them in
// field order.
type Queues struct {
	OGNUpdates  Queue[any]
	OGNRemovals Queue[Removal]
	ADSB        Queue[ADSBChange]
}

func NewQueues() *Queues {
	return &Queues{}
}

// DrainMessages empties all queues into subscriber messages: OGN updates,
// then OGN removals, then ADS-B changes in their arrival order.
func (q *Queues) DrainMessages() []Message {
	var out []Message
	for _, u := range q.OGNUpdates.Drain() {
		out = append(out, Message{Type: TypeAircraftUpdate, Data: u})
	}
	for _, r := range q.OGNRemovals.Drain() {
		out = append(out, Message{Type: TypeAircraftRemoved, Data: r})
	}
	for _, c := range q.ADSB.Drain() {
		if c.Removal != nil {
			out = append(out, Message{Type: TypeADSBAircraftRemoved, Data: *c.Removal})
			continue
		}
		out = append(out, Message{Type: TypeADSBAircraftUpdate, Data: c.Update})
	}
	return out
}
