package adsb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const pointBody = `{"ac":[
	{"hex":"4ca7b1","flight":"SAS123  ","r":"OY-KBO","t":"A20N","alt_baro":3000,"gs":180.5,"track":90,"baro_rate":-640,"lat":55.5,"lon":9.5,"seen":2.5,"category":"A3"},
	{"hex":"45ac2f","flight":"TWR","alt_baro":"ground","lat":55.6,"lon":9.6},
	{"hex":"45ac30","flight":"DAT4","alt_baro":8000,"lat":55.7,"lon":9.7},
	{"hex":"45ac31","alt_baro":"ground","gs":12,"lat":55.8,"lon":9.8}
],"now":1714564800000}`

func targets(t *testing.T, body string) []Target {
	t.Helper()
	list, err := decodePoint([]byte(body))
	if err != nil {
		t.Fatalf("decodePoint() error: %v", err)
	}
	return list
}

func fp(v float64) *float64 { return &v }

func TestRadiusNM(t *testing.T) {
	cases := map[float64]int{195: 105, 10: 5, 1000: 250, 0: 0}
	for km, want := range cases {
		if got := RadiusNM(km); got != want {
			t.Fatalf("RadiusNM(%v)=%d want %d", km, got, want)
		}
	}
}

func TestFetchPoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pointBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, logger.NewNop())
	list, err := c.FetchPoint(context.Background(), 55.923624, 9.755859, 195)
	if err != nil {
		t.Fatalf("FetchPoint() error: %v", err)
	}
	if gotPath != "/v2/point/55.923624/9.755859/105" {
		t.Fatalf("path=%q", gotPath)
	}
	if len(list) != 4 || list[0].Hex != "4ca7b1" {
		t.Fatalf("targets=%+v", list)
	}
}

func TestFetchPointBareListAndErrors(t *testing.T) {
	status := http.StatusOK
	body := `[{"hex":"abc123","alt_baro":1200}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, logger.NewNop())
	list, err := c.FetchPoint(context.Background(), 55, 9, 50)
	if err != nil || len(list) != 1 {
		t.Fatalf("bare list: targets=%v err=%v", list, err)
	}

	status = http.StatusTooManyRequests
	if _, err := c.FetchPoint(context.Background(), 55, 9, 50); err == nil {
		t.Fatalf("expected error for status %d", status)
	}

	status, body = http.StatusOK, "<html>"
	if _, err := c.FetchPoint(context.Background(), 55, 9, 50); err == nil {
		t.Fatalf("expected error for a non-JSON body")
	}
}

func TestNormalize(t *testing.T) {
	list := targets(t, pointBody)

	got, ok := Normalize(list[0], t0)
	if !ok {
		t.Fatalf("Normalize rejected a valid target")
	}
	want := Aircraft{
		AircraftID:   "adsb_4CA7B1",
		Source:       "adsb",
		Hex:          "4CA7B1",
		Flight:       "SAS123",
		Registration: "OY-KBO",
		AircraftType: "A20N",
		Latitude:     fp(55.5),
		Longitude:    fp(9.5),
		Altitude:     fp(3000),
		GroundSpeed:  fp(180.5),
		Track:        fp(90),
		VerticalRate: fp(-640),
		Category:     "A3",
		LastSeen:     t0.Add(-2500 * time.Millisecond),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalize mismatch (-want +got):\n%s", diff)
	}

	ground, _ := Normalize(list[3], t0)
	if !ground.OnGround || ground.Altitude != nil || !ground.LastSeen.Equal(t0) {
		t.Fatalf("ground target=%+v", ground)
	}

	if _, ok := Normalize(Target{Flight: "X"}, t0); ok {
		t.Fatalf("target without hex accepted")
	}
}

func TestFlexibleFieldNull(t *testing.T) {
	var tgt Target
	if err := json.Unmarshal([]byte(`{"hex":"a","gs":null,"track":"12.5"}`), &tgt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tgt.GS.Value() != nil {
		t.Fatalf("null gs decoded as %v", *tgt.GS.Value())
	}
	if v := tgt.Track.Value(); v == nil || *v != 12.5 {
		t.Fatalf("string track=%v want 12.5", v)
	}
}

type fakeFetcher struct {
	body  string
	err   error
	calls int
}

func (f *fakeFetcher) FetchPoint(ctx context.Context, lat, lon, radiusKm float64) ([]Target, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return decodePoint([]byte(f.body))
}

type fakeClients int

func (c *fakeClients) ClientCount() int { return int(*c) }

func newTestPoller(f *fakeFetcher, clients *fakeClients) (*Poller, *outbound.Queues) {
	q := outbound.NewQueues()
	p := NewPoller(PollerConfig{
		CenterLat:        55.923624,
		CenterLon:        9.755859,
		RadiusKm:         195,
		MaxAltitudeFt:    5000,
		IgnoredCallsigns: []string{"TWR"},
	}, f, clients, q, logger.NewNop())
	return p, q
}

func TestPollerSkipsFetchWithoutClients(t *testing.T) {
	f := &fakeFetcher{body: pointBody}
	clients := fakeClients(0)
	p, q := newTestPoller(f, &clients)

	if err := p.Tick(context.Background(), t0); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if f.calls != 0 || q.ADSB.Len() != 0 {
		t.Fatalf("calls=%d queued=%d want 0,0", f.calls, q.ADSB.Len())
	}
}

func TestPollerFiltersAndDiffs(t *testing.T) {
	f := &fakeFetcher{body: pointBody}
	clients := fakeClients(2)
	p, q := newTestPoller(f, &clients)
	ctx := context.Background()

	if err := p.Tick(ctx, t0); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	ids := []string{}
	for _, a := range p.Snapshot() {
		ids = append(ids, a.AircraftID)
	}
	if diff := cmp.Diff([]string{"adsb_45AC31", "adsb_4CA7B1"}, ids); diff != "" {
		t.Fatalf("live table mismatch (-want +got):\n%s", diff)
	}
	if n := len(q.ADSB.Drain()); n != 2 {
		t.Fatalf("first tick queued %d changes want 2", n)
	}

	// Same data, only the age changes: nothing to send.
	f.body = `{"ac":[
		{"hex":"4ca7b1","flight":"SAS123","r":"OY-KBO","t":"A20N","alt_baro":3000,"gs":180.5,"track":90,"baro_rate":-640,"lat":55.5,"lon":9.5,"seen":0.1,"category":"A3"},
		{"hex":"45ac31","alt_baro":"ground","gs":14,"lat":55.8,"lon":9.8}
	]}`
	if err := p.Tick(ctx, t0.Add(5*time.Second)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	changes := q.ADSB.Drain()
	if len(changes) != 1 || changes[0].Update.(Aircraft).AircraftID != "adsb_45AC31" {
		t.Fatalf("second tick changes=%+v", changes)
	}

	f.body = `[{"hex":"4ca7b1","flight":"SAS123","r":"OY-KBO","t":"A20N","alt_baro":3000,"gs":180.5,"track":90,"baro_rate":-640,"lat":55.5,"lon":9.5,"category":"A3"}]`
	if err := p.Tick(ctx, t0.Add(10*time.Second)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	want := []outbound.ADSBChange{{Removal: &outbound.ADSBRemoval{AircraftID: "adsb_45AC31", Hex: "45AC31"}}}
	if diff := cmp.Diff(want, q.ADSB.Drain()); diff != "" {
		t.Fatalf("removal mismatch (-want +got):\n%s", diff)
	}
}

func TestPollerClearsWhenLastClientLeaves(t *testing.T) {
	f := &fakeFetcher{body: pointBody}
	clients := fakeClients(1)
	p, q := newTestPoller(f, &clients)
	ctx := context.Background()

	_ = p.Tick(ctx, t0)
	q.ADSB.Drain()

	clients = 0
	if err := p.Tick(ctx, t0.Add(5*time.Second)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("fetched while closed: calls=%d", f.calls)
	}
	if p.Len() != 0 {
		t.Fatalf("table not cleared: %d", p.Len())
	}
	changes := q.ADSB.Drain()
	if len(changes) != 2 || changes[0].Removal == nil || changes[1].Removal == nil {
		t.Fatalf("changes=%+v want two removals", changes)
	}

	// Staying closed sends nothing more.
	_ = p.Tick(ctx, t0.Add(10*time.Second))
	if q.ADSB.Len() != 0 {
		t.Fatalf("closed gate queued changes")
	}
}

func TestPollerKeepsTableOnFetchError(t *testing.T) {
	f := &fakeFetcher{body: pointBody}
	clients := fakeClients(1)
	p, q := newTestPoller(f, &clients)
	ctx := context.Background()

	_ = p.Tick(ctx, t0)
	q.ADSB.Drain()

	f.err = context.DeadlineExceeded
	if err := p.Tick(ctx, t0.Add(5*time.Second)); err == nil {
		t.Fatalf("expected fetch error")
	}
	if p.Len() != 2 || q.ADSB.Len() != 0 {
		t.Fatalf("fetch error changed the table: len=%d queued=%d", p.Len(), q.ADSB.Len())
	}
}

func TestPollerSweepsStaleEntries(t *testing.T) {
	f := &fakeFetcher{body: `[{"hex":"abc123","alt_baro":1200,"seen":700}]`}
	clients := fakeClients(1)
	p, q := newTestPoller(f, &clients)
	ctx := context.Background()

	_ = p.Tick(ctx, t0)
	if p.Len() != 1 {
		t.Fatalf("entry not added")
	}
	q.ADSB.Drain()

	// Present in the fetch but last seen 700 s ago: swept once the sweep interval has passed.
	_ = p.Tick(ctx, t0.Add(30*time.Second))
	if p.Len() != 1 {
		t.Fatalf("swept before the sweep interval")
	}
	_ = p.Tick(ctx, t0.Add(61*time.Second))
	changes := q.ADSB.Drain()
	if p.Len() != 0 || len(changes) != 1 || changes[0].Removal == nil {
		t.Fatalf("len=%d changes=%+v want swept", p.Len(), changes)
	}
}

func TestPollerIgnoredCallsignIsExact(t *testing.T) {
	f := &fakeFetcher{body: `{"ac":[
		{"hex":"45ac2f","flight":"TWR","alt_baro":"ground","lat":55.6,"lon":9.6},
		{"hex":"45ac40","flight":"twr","alt_baro":1200,"lat":55.6,"lon":9.6},
		{"hex":"45ac41","flight":"TWR1","alt_baro":1200,"lat":55.6,"lon":9.6}
	]}`}
	clients := fakeClients(1)
	p, _ := newTestPoller(f, &clients)

	if err := p.Tick(context.Background(), t0); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	ids := []string{}
	for _, a := range p.Snapshot() {
		ids = append(ids, a.AircraftID)
	}
	if diff := cmp.Diff([]string{"adsb_45AC40", "adsb_45AC41"}, ids); diff != "" {
		t.Fatalf("live table mismatch (-want +got):\n%s", diff)
	}
}
