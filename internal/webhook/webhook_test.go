package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

func TestNotifySendsPayloadAndKey(t *testing.T) {
	var (
		got    Notification
		apiKey string
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-api-key")
		ctype = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, URL: srv.URL, APIKey: "secret"}, logger.NewNop())
	err := c.Notify(context.Background(), Notification{Type: "takeoff", ID: "FLRDDA5BA", Airfield: "EKVI"})
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	want := Notification{Type: "takeoff", Origin: "FSK", ID: "FLRDDA5BA", Airfield: "EKVI"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	if apiKey != "secret" || ctype != "application/json" {
		t.Fatalf("headers key=%q content-type=%q", apiKey, ctype)
	}
}

func TestNotifyOmitsUnknownAirfield(t *testing.T) {
	b, _ := json.Marshal(Notification{Type: "landing", Origin: "FSK", ID: "X"})
	if string(b) != `{"type":"landing","origin":"FSK","id":"X"}` {
		t.Fatalf("body=%s", b)
	}
}

func TestNotifyNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, URL: srv.URL}, logger.NewNop())
	err := c.Notify(context.Background(), Notification{Type: "takeoff", ID: "A"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("err=%v want status 401", err)
	}
}

func TestSendDelivers(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done <- struct{}{}
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, URL: srv.URL, Timeout: time.Second}, logger.NewNop())
	c.Send(Notification{Type: "takeoff", ID: "A"})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient(Config{Enabled: false, URL: "http://127.0.0.1:1"}, logger.NewNop())
	if err := c.Notify(context.Background(), Notification{Type: "takeoff"}); err != nil {
		t.Fatalf("disabled Notify() error: %v", err)
	}
}
