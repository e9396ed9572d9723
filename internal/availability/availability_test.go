package availability

import (
	"context"
	"testing"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func iv(a, b int) model.Interval { return model.Interval{Start: at(a), End: at(b)} }

func TestSubtractSplitsSlot(t *testing.T) {
	got := Subtract([]model.Interval{iv(0, 600)}, []model.Interval{iv(100, 200), iv(300, 400)})
	want := []model.Interval{iv(0, 100), iv(200, 300), iv(400, 600)}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("piece %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestSubtractFullyCovered(t *testing.T) {
	if got := Subtract([]model.Interval{iv(10, 20)}, []model.Interval{iv(0, 30)}); len(got) != 0 {
		t.Fatalf("want nothing left, got %v", got)
	}
	if got := Subtract([]model.Interval{iv(10, 20)}, []model.Interval{iv(20, 30)}); len(got) != 1 {
		t.Fatalf("touching reservation must not cut, got %v", got)
	}
}

func seed(t *testing.T, blockers []model.Interval) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	v := model.Vehicle{ID: "bus", CommunityID: "c1", Capacity: model.Capacity{Seats: 8, Wheelchairs: 2, SeatsPerWheelchair: 2}}
	if err := m.UpsertVehicle(ctx, v); err != nil {
		t.Fatal(err)
	}
	if err := m.SetAvailability(ctx, "bus", []model.Interval{iv(0, 600)}, blockers); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMatchCarvesOutFrozenTours(t *testing.T) {
	m := seed(t, nil)
	ctx := context.Background()
	frozen := model.Tour{
		ID: "f", VehicleID: "bus", CommunityID: "c1", Status: model.StatusFrozen,
		Stops: []model.Stop{{ID: "s1", TMin: at(120), TMax: at(125)}, {ID: "s2", TMin: at(150), TMax: at(155)}},
	}
	if err := m.SaveTour(ctx, frozen); err != nil {
		t.Fatal(err)
	}
	matcher := NewMatcher(m, config.Default().Matching)
	res, err := matcher.Match(ctx, "c1", []time.Time{at(140), at(300)}, model.Load{Seats: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Vehicles) != 0 {
		t.Fatalf("instant inside reservation must have no vehicle")
	}
	if len(res[1].Vehicles) != 1 {
		t.Fatalf("instant after reservation must have the bus")
	}
	w := res[1].Vehicles[0].Window
	if !w.Start.Equal(at(165)) || !w.End.Equal(at(600)) {
		t.Fatalf("usable window %v", w)
	}
}

func TestMatchFlagsBlocker(t *testing.T) {
	m := seed(t, []model.Interval{iv(200, 260)})
	matcher := NewMatcher(m, config.Default().Matching)
	res, err := matcher.Match(context.Background(), "c1", []time.Time{at(230)}, model.Load{Seats: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res[0].InBlocker || len(res[0].Vehicles) != 0 {
		t.Fatalf("want blocker flag and no vehicles, got %+v", res[0])
	}
}

func TestMatchReportsTooSmall(t *testing.T) {
	m := seed(t, nil)
	matcher := NewMatcher(m, config.Default().Matching)
	res, err := matcher.Match(context.Background(), "c1", []time.Time{at(60)}, model.Load{Seats: 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Vehicles) != 0 || len(res[0].TooSmall) != 1 {
		t.Fatalf("want bus reported too small, got %+v", res[0])
	}
}

func TestPromisesExtendToWholeTour(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	tour := model.Tour{
		ID: "t1", VehicleID: "bus", CommunityID: "c1", Status: model.StatusBooked,
		Stops: []model.Stop{
			{ID: "s1", NodeID: 1, TMin: at(0), TMax: at(2), Boarding: []string{"near"}},
			{ID: "s2", NodeID: 2, TMin: at(20), TMax: at(22), Alighting: []string{"near"}},
			{ID: "s3", NodeID: 3, TMin: at(400), TMax: at(402), Boarding: []string{"far"}},
			{ID: "s4", NodeID: 4, TMin: at(420), TMax: at(422), Alighting: []string{"far"}},
		},
		Passengers: []model.Passenger{
			{ID: "near", Load: model.Load{Seats: 1}, BoardingStopID: "s1", AlightingStopID: "s2"},
			{ID: "far", Load: model.Load{Seats: 2}, BoardingStopID: "s3", AlightingStopID: "s4"},
		},
	}
	if err := m.SaveTour(ctx, tour); err != nil {
		t.Fatal(err)
	}
	ex := NewExtractor(m, config.Matching{LookAroundPromiseHours: 1})
	got, err := ex.Promises(ctx, []string{"bus"}, at(30))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want both passengers of the tour, got %d", len(got))
	}
	for _, p := range got {
		if !p.Promise || p.TourID != "t1" || p.StartWindow == nil || p.StopWindow == nil {
			t.Fatalf("bad promise %+v", p)
		}
	}
	none, _ := ex.Promises(ctx, []string{"bus"}, at(900))
	if len(none) != 0 {
		t.Fatalf("tour outside horizon must not be returned")
	}
}
