package model

import (
	"errors"
	"testing"
	"time"
)

func sampleTour() Tour {
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return Tour{
		ID:     "t1",
		Status: StatusBooked,
		Stops: []Stop{
			{ID: "s1", TMin: t0, TMax: t0.Add(2 * time.Minute), Boarding: []string{"a"}},
			{ID: "s2", TMin: t0.Add(3 * time.Minute), TMax: t0.Add(5 * time.Minute), Boarding: []string{"b"}},
			{ID: "s3", TMin: t0.Add(9 * time.Minute), TMax: t0.Add(11 * time.Minute), Alighting: []string{"a", "b"}},
		},
		Passengers: []Passenger{
			{ID: "a", Load: Load{Seats: 1}, BoardingStopID: "s1", AlightingStopID: "s3"},
			{ID: "b", Load: Load{Seats: 1, Wheelchairs: 1}, BoardingStopID: "s2", AlightingStopID: "s3"},
		},
	}
}

func TestCapacityFits(t *testing.T) {
	c := Capacity{Seats: 8, Wheelchairs: 2, SeatsPerWheelchair: 2}
	if !c.Fits(Load{Seats: 4, Wheelchairs: 2}) {
		t.Fatalf("4 seats + 2 wheelchairs should fit 8 seat-equivalents")
	}
	if c.Fits(Load{Seats: 5, Wheelchairs: 2}) {
		t.Fatalf("weighted dimension must reject 5 + 2*2 > 8")
	}
	if c.Fits(Load{Seats: 9}) {
		t.Fatalf("9 seats must not fit")
	}
	if c.Fits(Load{Wheelchairs: 3}) {
		t.Fatalf("3 wheelchairs must not fit")
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusBooked.CanTransition(StatusFrozen) {
		t.Fatalf("booked -> frozen should be allowed")
	}
	if StatusStarted.CanTransition(StatusBooked) {
		t.Fatalf("going back must be rejected")
	}
	if StatusBooked.Blocking() || !StatusFrozen.Blocking() || !StatusFinished.Blocking() {
		t.Fatalf("blocking set wrong")
	}
}

func TestTourValidate(t *testing.T) {
	tour := sampleTour()
	if err := tour.Validate(); err != nil {
		t.Fatalf("valid tour rejected: %v", err)
	}
	tour.Passengers[0].AlightingStopID = "elsewhere"
	if err := tour.Validate(); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want integrity error, got %v", err)
	}
}

func TestTourLoads(t *testing.T) {
	loads := sampleTour().Loads()
	want := []Load{{Seats: 1}, {Seats: 2, Wheelchairs: 1}, {}}
	for i := range want {
		if loads[i] != want[i] {
			t.Fatalf("stop %d: load %+v, want %+v", i, loads[i], want[i])
		}
	}
}

func TestRemovePassengerPrunesEmptyStops(t *testing.T) {
	tour := sampleTour()
	if !tour.RemovePassenger("b") {
		t.Fatalf("passenger b not removed")
	}
	if len(tour.Stops) != 2 {
		t.Fatalf("want 2 stops after pruning, got %d", len(tour.Stops))
	}
	for _, s := range tour.Stops {
		if s.Empty() {
			t.Fatalf("empty stop %s left behind", s.ID)
		}
	}
	if err := tour.Validate(); err != nil {
		t.Fatalf("tour invalid after removal: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	tour := sampleTour()
	c := tour.Clone()
	c.Stops[0].Boarding[0] = "zzz"
	if tour.Stops[0].Boarding[0] != "a" {
		t.Fatalf("clone shares boarding slice")
	}
}
