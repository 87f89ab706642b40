package ddb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

const sample = `#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED
'F','DDA5BA','LS-4','OY-XKL','KL','Y','Y'
'F','dd1234','Piper PA-25 Pawnee','OY-BOW','','Y','N'
'I','4B43D0','','','','N','N'
'F','','ASK-21','OY-XXX','','Y','Y'
`

func TestParse(t *testing.T) {
	got, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := []Device{
		{DeviceType: "F", DeviceID: "DDA5BA", Model: "LS-4", Registration: "OY-XKL", CN: "KL", Tracked: true, Identified: true},
		{DeviceType: "F", DeviceID: "DD1234", Model: "Piper PA-25 Pawnee", Registration: "OY-BOW", Tracked: true},
		{DeviceType: "I", DeviceID: "4B43D0"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

type memStore struct {
	devices []Device
}

func (m *memStore) ReplaceDevices(_ context.Context, d []Device) error {
	m.devices = append([]Device(nil), d...)
	return nil
}

func (m *memStore) Devices(context.Context) ([]Device, error) { return m.devices, nil }

func TestRefreshSwapsAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	store := &memStore{}
	r := NewRegistry(srv.URL, time.Second, store, logger.NewNop())
	if _, ok := r.Lookup("FLRDDA5BA"); ok {
		t.Fatalf("lookup before refresh should miss")
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	d, ok := r.Lookup("FLRDDA5BA")
	if !ok || d.Registration != "OY-XKL" {
		t.Fatalf("lookup=%+v ok=%v", d, ok)
	}
	if _, ok := r.Lookup("dd1234"); !ok {
		t.Fatalf("lookup is case-insensitive")
	}
	if len(store.devices) != 3 {
		t.Fatalf("persisted=%d want 3", len(store.devices))
	}
	if r.UpdatedAt().IsZero() {
		t.Fatalf("UpdatedAt not set")
	}
}

func TestRefreshFailureKeepsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &memStore{devices: []Device{{DeviceType: "F", DeviceID: "DDA5BA", Model: "LS-4"}}}
	r := NewRegistry(srv.URL, time.Second, store, logger.NewNop())
	if err := r.LoadCached(context.Background()); err != nil {
		t.Fatalf("LoadCached() error: %v", err)
	}
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
}
