package clubs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fsk-gliding/ogn-tracker/pkg/logger"
)

type fakeSource struct {
	homefields []string
	planes     []string
	err        error
	homeCalls  int
	planeCalls int
}

func (f *fakeSource) ActiveHomefields(context.Context) ([]string, error) {
	f.homeCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.homefields, nil
}

func (f *fakeSource) ClubFlarmIDs(context.Context) ([]string, error) {
	f.planeCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.planes, nil
}

func TestDirectoryLookups(t *testing.T) {
	src := &fakeSource{homefields: []string{"EKVI", ""}, planes: []string{"dda5ba"}}
	d := NewDirectory(src, 5*time.Minute, 30*time.Minute, logger.NewNop())
	d.Refresh(context.Background(), time.Unix(1000, 0), true)

	if !d.IsRegisteredHomefield("EKVI") {
		t.Fatalf("EKVI should be a homefield")
	}
	for _, code := range []string{"", "UNKNOWN", "EKAB"} {
		if d.IsRegisteredHomefield(code) {
			t.Fatalf("%q should not be a homefield", code)
		}
	}
	if !d.IsClubAircraft("DDA5BA") || !d.IsClubAircraft("dda5ba") {
		t.Fatalf("DDA5BA should be a club aircraft")
	}
	if h, p := d.Counts(); h != 1 || p != 1 {
		t.Fatalf("counts=%d,%d want 1,1", h, p)
	}
}

func TestDirectoryRefreshIntervals(t *testing.T) {
	src := &fakeSource{homefields: []string{"EKVI"}, planes: []string{"DDA5BA"}}
	d := NewDirectory(src, 5*time.Minute, 30*time.Minute, logger.NewNop())
	start := time.Unix(1000, 0)
	d.Refresh(context.Background(), start, true)

	d.Refresh(context.Background(), start.Add(6*time.Minute), false)
	if src.homeCalls != 2 || src.planeCalls != 1 {
		t.Fatalf("calls home=%d planes=%d want 2,1", src.homeCalls, src.planeCalls)
	}
	d.Refresh(context.Background(), start.Add(31*time.Minute), false)
	if src.planeCalls != 2 {
		t.Fatalf("planes calls=%d want 2", src.planeCalls)
	}
}

func TestDirectoryFailedRefreshKeepsSets(t *testing.T) {
	src := &fakeSource{homefields: []string{"EKVI"}, planes: []string{"DDA5BA"}}
	d := NewDirectory(src, time.Minute, time.Minute, logger.NewNop())
	d.Refresh(context.Background(), time.Unix(1000, 0), true)

	src.err = errors.New("db down")
	d.Refresh(context.Background(), time.Unix(2000, 0), true)
	if !d.IsRegisteredHomefield("EKVI") || !d.IsClubAircraft("DDA5BA") {
		t.Fatalf("previous sets should survive a failed refresh")
	}
}
