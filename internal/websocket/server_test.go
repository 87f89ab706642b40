package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fsk-gliding/ogn-tracker/internal/adsb"
	"github.com/fsk-gliding/ogn-tracker/internal/outbound"
	"github.com/fsk-gliding/ogn-tracker/internal/storage"
	"github.com/fsk-gliding/ogn-tracker/internal/tracker"
	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

type ognTable []tracker.Aircraft

func (t ognTable) Snapshot() []tracker.Aircraft { return t }

type adsbTable []adsb.Aircraft

func (t adsbTable) Snapshot() []adsb.Aircraft { return t }

type trackStore struct {
	mu       sync.Mutex
	gotID    string
	gotLimit int
}

func (s *trackStore) AircraftTrack(ctx context.Context, id string, limit int) ([]storage.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotID, s.gotLimit = id, limit
	return []storage.Position{{AircraftID: id, Latitude: 55.9, Longitude: 9.7}}, nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startServer(t *testing.T, opts Options, setup func(*Server)) (*Server, string) {
	t.Helper()
	s := NewServer(opts, logger.NewNop())
	if setup != nil {
		setup(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleConnection))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads the next JSON frame, skipping heartbeats.
func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) == HeartbeatText {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("frame %q: %v", data, err)
		}
		return f
	}
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count=%d want %d", s.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	s, url := startServer(t, Options{Heartbeat: time.Hour}, func(s *Server) {
		s.SetSources(ognTable{{ID: "FLRDDA5BA", AircraftModel: "LS-4"}}, adsbTable{}, nil)
	})

	conn := dial(t, url)
	f := next(t, conn)
	if f.Type != outbound.TypeAircraftData {
		t.Fatalf("first frame type=%q want %q", f.Type, outbound.TypeAircraftData)
	}
	var list []tracker.Aircraft
	if err := json.Unmarshal(f.Data, &list); err != nil || len(list) != 1 || list[0].ID != "FLRDDA5BA" {
		t.Fatalf("snapshot=%s err=%v", f.Data, err)
	}
	waitClients(t, s, 1)
}

func TestHeartbeat(t *testing.T) {
	_, url := startServer(t, Options{Heartbeat: 20 * time.Millisecond}, nil)
	conn := dial(t, url)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != HeartbeatText {
		t.Fatalf("frame=%q want heartbeat", data)
	}
}

func TestPumpBroadcastsInDrainOrder(t *testing.T) {
	s, url := startServer(t, Options{Heartbeat: time.Hour, Tick: 10 * time.Millisecond}, nil)
	conn := dial(t, url)
	waitClients(t, s, 1)

	q := outbound.NewQueues()
	q.ADSB.Push(outbound.ADSBChange{Removal: &outbound.ADSBRemoval{AircraftID: "adsb_ABC123", Hex: "ABC123"}})
	q.OGNRemovals.Push(outbound.Removal{ID: "FLRDDA5BA", Source: "ogn"})
	q.OGNUpdates.Push(tracker.Aircraft{ID: "FLR111111"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Pump(ctx, q)

	want := []string{outbound.TypeAircraftUpdate, outbound.TypeAircraftRemoved, outbound.TypeADSBAircraftRemoved}
	for _, typ := range want {
		if f := next(t, conn); f.Type != typ {
			t.Fatalf("frame type=%q want %q", f.Type, typ)
		}
	}
}

func TestTrackRequest(t *testing.T) {
	store := &trackStore{}
	_, url := startServer(t, Options{Heartbeat: time.Hour, TrackLimit: 100}, func(s *Server) {
		s.SetSources(nil, nil, store)
	})
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := `{"type":"track_request","aircraft_id":"FLRDDA5BA"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := next(t, conn)
	if f.Type != outbound.TypeAircraftTrack {
		t.Fatalf("frame type=%q", f.Type)
	}
	var track []storage.Position
	if err := json.Unmarshal(f.Data, &track); err != nil || len(track) != 1 {
		t.Fatalf("track=%s err=%v", f.Data, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.gotID != "FLRDDA5BA" || store.gotLimit != 100 {
		t.Fatalf("store called with id=%q limit=%d", store.gotID, store.gotLimit)
	}
}

func TestFanOutDropsSlowClient(t *testing.T) {
	s := NewServer(Options{}, logger.NewNop())
	fast := &Client{send: make(chan []byte, 4), server: s}
	slow := &Client{send: make(chan []byte, 1), server: s}
	s.clients[fast] = true
	s.clients[slow] = true

	s.fanOut([]byte("one"))
	s.fanOut([]byte("two"))

	if s.ClientCount() != 1 || !s.clients[fast] {
		t.Fatalf("slow client not dropped")
	}
	if !slow.closed {
		t.Fatalf("dropped client not closed")
	}
	if len(fast.send) != 2 {
		t.Fatalf("fast client got %d frames want 2", len(fast.send))
	}
	if slow.enqueue([]byte("three")) {
		t.Fatalf("enqueue on a closed client succeeded")
	}
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	s, url := startServer(t, Options{Heartbeat: time.Hour}, nil)
	conn := dial(t, url)
	waitClients(t, s, 1)
	conn.Close()
	waitClients(t, s, 0)
}
