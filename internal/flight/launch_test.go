package flight

import (
	"testing"
	"time"
)

func TestIsTowPlane(t *testing.T) {
	cases := []struct {
		typ, model string
		want       bool
	}{
		{"Drop plane/Powered aircraft", "", true},
		{"Unknown", "Piper PA-25 Pawnee", true},
		{"Glider", "Robin DR-400", true},
		{"Glider", "super cub", true},
		{"Glider", "LS-4", false},
		{"Unknown", "", false},
	}
	for _, tc := range cases {
		if got := IsTowPlane(tc.typ, tc.model); got != tc.want {
			t.Fatalf("IsTowPlane(%q,%q)=%v want %v", tc.typ, tc.model, got, tc.want)
		}
	}
	if IsGlider("Glider", "Robin DR-400") {
		t.Fatalf("a rostered model is not a glider")
	}
	if !IsGlider("Glider", "ASK-21") {
		t.Fatalf("ASK-21 is a glider")
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func TestClassifyTowPairBothWays(t *testing.T) {
	g := Takeoff{AircraftID: "G", Time: at(100), Latitude: 55.900, Longitude: 9.700, AircraftType: "Glider", Model: "LS-4"}
	tug := Takeoff{AircraftID: "T", Time: at(102), Latitude: 55.901, Longitude: 9.701, AircraftType: "Drop plane/Powered aircraft", Model: "PA-25"}

	var c Classifier
	c.Record(g)
	c.Record(tug)

	launch, partner := c.Classify(at(102), g)
	if launch != LaunchTow || partner != "T" {
		t.Fatalf("glider=%q,%q want tow,T", launch, partner)
	}
	launch, partner = c.Classify(at(102), tug)
	if launch != LaunchTowPlane || partner != "G" {
		t.Fatalf("tug=%q,%q want tow_plane,G", launch, partner)
	}
}

func TestClassifyAloneGliderIsWinch(t *testing.T) {
	var c Classifier
	g := Takeoff{AircraftID: "G", Time: at(100), Latitude: 55.9, Longitude: 9.7, AircraftType: "Glider"}
	c.Record(g)
	if launch, partner := c.Classify(at(100), g); launch != LaunchWinch || partner != "" {
		t.Fatalf("launch=%q partner=%q want winch", launch, partner)
	}

	tug := Takeoff{AircraftID: "T", Time: at(100), Latitude: 55.9, Longitude: 9.7, AircraftType: "Drop plane/Powered aircraft"}
	var c2 Classifier
	c2.Record(tug)
	if launch, _ := c2.Classify(at(100), tug); launch != LaunchNone {
		t.Fatalf("lone tug launch=%q want none", launch)
	}
}

func TestClassifyRespectsWindowAndDistance(t *testing.T) {
	g := Takeoff{AircraftID: "G", Time: at(100), Latitude: 55.900, Longitude: 9.700, AircraftType: "Glider"}

	var late Classifier
	late.Record(Takeoff{AircraftID: "T", Time: at(106), Latitude: 55.900, Longitude: 9.700, AircraftType: "Drop plane/Powered aircraft"})
	if launch, _ := late.Classify(at(106), g); launch != LaunchWinch {
		t.Fatalf("6 s apart launch=%q want winch", launch)
	}

	var far Classifier
	far.Record(Takeoff{AircraftID: "T", Time: at(101), Latitude: 55.905, Longitude: 9.700, AircraftType: "Drop plane/Powered aircraft"})
	if launch, _ := far.Classify(at(101), g); launch != LaunchWinch {
		t.Fatalf("0.55 km apart launch=%q want winch", launch)
	}
}

func TestClassifyNeverMatchesSelf(t *testing.T) {
	var c Classifier
	g := Takeoff{AircraftID: "G", Time: at(100), Latitude: 55.9, Longitude: 9.7, AircraftType: "Glider", Model: "PA-25"}
	c.Record(g)
	if launch, partner := c.Classify(at(100), g); partner != "" || launch != LaunchNone {
		t.Fatalf("self match launch=%q partner=%q", launch, partner)
	}
}

func TestClassifierPrune(t *testing.T) {
	var c Classifier
	c.Record(Takeoff{AircraftID: "A", Time: at(0)})
	c.Record(Takeoff{AircraftID: "B", Time: at(20)})
	if n := c.Prune(at(30), 30*time.Second); n != 1 || c.Len() != 1 {
		t.Fatalf("pruned=%d len=%d want 1,1", n, c.Len())
	}
}
