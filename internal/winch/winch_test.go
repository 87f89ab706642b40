package winch

import (
	"testing"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(s float64) time.Time {
	return t0.Add(time.Duration(s * float64(time.Second)))
}

func TestReleaseFiresOnce(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "g", 50)

	if _, ok := d.Update(at(5), "g", 120, 15); ok {
		t.Fatalf("unexpected release while climbing")
	}
	if _, ok := d.Update(at(15), "g", 200, 12); ok {
		t.Fatalf("unexpected release while climbing")
	}
	rel, ok := d.Update(at(20), "g", 195, 2)
	if !ok {
		t.Fatalf("expected release")
	}
	if rel.Altitude != 200 || rel.Duration != 20 {
		t.Fatalf("release=%+v want altitude 200 duration 20", rel)
	}
	if d.Active("g") || d.Len() != 0 {
		t.Fatalf("record should be deleted after release")
	}
	if _, ok := d.Update(at(21), "g", 190, 1); ok {
		t.Fatalf("release fired twice")
	}
}

func TestInsufficientGainAbandons(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "g", 50)
	d.Update(at(10), "g", 120, 10)

	if _, ok := d.Update(at(20), "g", 118, 2); ok {
		t.Fatalf("gain 70 must not release")
	}
	if d.Active("g") {
		t.Fatalf("launch should be abandoned")
	}
	if _, ok := d.Update(at(25), "g", 300, 1); ok {
		t.Fatalf("abandoned launch must not release")
	}
}

func TestTimeoutAbandons(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "g", 50)
	d.Update(at(60), "g", 400, 10)

	if _, ok := d.Update(at(121), "g", 410, 1); ok {
		t.Fatalf("launch past the timeout must not release")
	}
	if d.Active("g") {
		t.Fatalf("launch should be abandoned after timeout")
	}
}

func TestRoundsResult(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "g", 10.2)
	d.Update(at(10), "g", 312.6, 20)
	rel, ok := d.Update(at(24.26), "g", 300, 4.9)
	if !ok {
		t.Fatalf("expected release")
	}
	if rel.Altitude != 313 || rel.Duration != 24.3 {
		t.Fatalf("release=%+v want 313 / 24.3", rel)
	}
}

func TestUpdateWithoutStartIsNoop(t *testing.T) {
	d := NewDetector(logger.NewNop())
	if _, ok := d.Update(at(1), "x", 500, 0); ok {
		t.Fatalf("untracked aircraft must not release")
	}
	if d.Len() != 0 {
		t.Fatalf("update must not create records")
	}
}

func TestCleanup(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "old", 50)
	d.Start(at(500), "fresh", 50)
	if n := d.Cleanup(at(601)); n != 1 {
		t.Fatalf("removed=%d want 1", n)
	}
}

func TestCancel(t *testing.T) {
	d := NewDetector(logger.NewNop())
	d.Start(at(0), "g", 50)
	if !d.Cancel("g") {
		t.Fatalf("Cancel() of an active launch returned false")
	}
	if d.Active("g") || d.Len() != 0 {
		t.Fatalf("record survived Cancel")
	}
	if _, ok := d.Update(at(10), "g", 300, 1); ok {
		t.Fatalf("release after Cancel")
	}
	if d.Cancel("g") {
		t.Fatalf("second Cancel() returned true")
	}
}
