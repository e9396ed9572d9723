package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridepool/internal/model"
)

func sampleTour(id string, t0 time.Time) model.Tour {
	a := id + "-a"
	return model.Tour{
		ID:          id,
		VehicleID:   "v1",
		CommunityID: "c1",
		Status:      model.StatusBooked,
		Stops: []model.Stop{
			{ID: id + "-s1", NodeID: 1, TMin: t0, TMax: t0.Add(2 * time.Minute), Boarding: []string{a}},
			{ID: id + "-s2", NodeID: 2, TMin: t0.Add(10 * time.Minute), TMax: t0.Add(12 * time.Minute), Alighting: []string{a}},
		},
		Passengers: []model.Passenger{{ID: a, Load: model.Load{Seats: 1}, BoardingStopID: id + "-s1", AlightingStopID: id + "-s2"}},
	}
}

func TestMemoryTourRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if err := m.SaveTour(ctx, sampleTour("t1", t0)); err != nil {
		t.Fatalf("SaveTour: %v", err)
	}
	got, err := m.FindTourByPassenger(ctx, "t1-a")
	if err != nil || got.ID != "t1" {
		t.Fatalf("FindTourByPassenger: %+v %v", got, err)
	}
	got.Stops[0].Boarding = nil
	again, _ := m.GetTour(ctx, "t1")
	if len(again.Stops[0].Boarding) != 1 {
		t.Fatalf("store returned shared state")
	}
	if _, err := m.GetTour(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryRejectsDoubleBooking(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if err := m.SaveTour(ctx, sampleTour("t1", t0)); err != nil {
		t.Fatal(err)
	}
	dup := sampleTour("t2", t0)
	dup.Passengers[0].ID = "t1-a"
	dup.Stops[0].Boarding = []string{"t1-a"}
	dup.Stops[1].Alighting = []string{"t1-a"}
	if err := m.SaveTour(ctx, dup); !errors.Is(err, model.ErrIntegrity) {
		t.Fatalf("want integrity error, got %v", err)
	}
}

func TestMemoryWithTxRollsBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.SaveTour(ctx, sampleTour("t1", t0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if _, err := m.GetTour(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("write survived rollback: %v", err)
	}
}

func TestMemoryRollbackKeepsConcurrentWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if err := m.UpsertStation(ctx, model.Station{ID: "s1", CommunityID: "c1", Name: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertVehicle(ctx, model.Vehicle{ID: "v1", CommunityID: "c1"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.SaveTour(ctx, sampleTour("t1", t0)); err != nil {
			return err
		}
		if err := tx.UpsertStation(ctx, model.Station{ID: "s1", CommunityID: "c1", Name: "renamed"}); err != nil {
			return err
		}
		if err := tx.ArchiveTour(ctx, sampleTour("gone", t0)); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			if err := m.UpsertStation(ctx, model.Station{ID: "s2", CommunityID: "c1"}); err != nil {
				done <- err
				return
			}
			if err := m.SetAvailability(ctx, "v1", []model.Interval{{Start: t0, End: t0.Add(time.Hour)}}, nil); err != nil {
				done <- err
				return
			}
			done <- m.ArchiveTour(ctx, sampleTour("kept", t0))
		}()
		if err := <-done; err != nil {
			t.Errorf("outside write: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if _, err := m.GetStation(ctx, "s2"); err != nil {
		t.Fatalf("station written outside the transaction was lost: %v", err)
	}
	if av, _ := m.Availability(ctx, "c1", t0, t0.Add(time.Hour)); len(av) != 1 {
		t.Fatalf("availability written outside the transaction was lost: %+v", av)
	}
	if s, _ := m.GetStation(ctx, "s1"); s.Name != "old" {
		t.Fatalf("station update inside the transaction survived: %q", s.Name)
	}
	if _, err := m.GetTour(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tour survived rollback: %v", err)
	}
	if a := m.Archived(); len(a) != 1 || a[0].ID != "kept" {
		t.Fatalf("archive %+v", a)
	}
}

func TestMemoryListToursFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	late := sampleTour("late", t0.Add(3*time.Hour))
	early := sampleTour("early", t0)
	frozen := sampleTour("frozen", t0.Add(time.Hour))
	frozen.Status = model.StatusFrozen
	for _, tr := range []model.Tour{late, early, frozen} {
		if err := m.SaveTour(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := m.ListTours(ctx, model.TourFilter{CommunityID: "c1", Statuses: []model.TourStatus{model.StatusBooked}})
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("want [early late], got %v", ids(got))
	}
	got, _ = m.ListTours(ctx, model.TourFilter{From: t0.Add(50 * time.Minute), To: t0.Add(2 * time.Hour)})
	if len(got) != 1 || got[0].ID != "frozen" {
		t.Fatalf("want [frozen], got %v", ids(got))
	}
}

func TestMemoryAvailability(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	_ = m.UpsertVehicle(ctx, model.Vehicle{ID: "v1", CommunityID: "c1", Capacity: model.Capacity{Seats: 8}})
	_ = m.UpsertVehicle(ctx, model.Vehicle{ID: "v2", CommunityID: "c2", Capacity: model.Capacity{Seats: 8}})
	slot := []model.Interval{{Start: t0, End: t0.Add(8 * time.Hour)}}
	if err := m.SetAvailability(ctx, "v1", slot, nil); err != nil {
		t.Fatal(err)
	}
	_ = m.SetAvailability(ctx, "v2", slot, nil)
	got, err := m.Availability(ctx, "c1", t0.Add(time.Hour), t0.Add(2*time.Hour))
	if err != nil || len(got) != 1 || got[0].Vehicle.ID != "v1" {
		t.Fatalf("unexpected availability %+v (%v)", got, err)
	}
	got, _ = m.Availability(ctx, "c1", t0.Add(9*time.Hour), t0.Add(10*time.Hour))
	if len(got) != 0 {
		t.Fatalf("slot outside range must be skipped")
	}
}

func TestMemoryPositionIgnoresStaleUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	_ = m.UpsertVehicle(ctx, model.Vehicle{ID: "v1", CommunityID: "c1"})
	_ = m.UpdateVehiclePosition(ctx, "v1", model.Position{Lat: 1, Lon: 1}, t0.Add(time.Minute))
	_ = m.UpdateVehiclePosition(ctx, "v1", model.Position{Lat: 2, Lon: 2}, t0)
	v, _ := m.GetVehicle(ctx, "v1")
	if v.Position == nil || v.Position.Lat != 1 {
		t.Fatalf("stale update applied: %+v", v.Position)
	}
}

func ids(ts []model.Tour) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
