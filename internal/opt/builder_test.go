package opt

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridepool/internal/model"
	"ridepool/internal/routing"
)

// lineProvider places node i at kilometre i of a straight road driven at one minute per node.
type lineProvider struct{ calls int }

func (l *lineProvider) NearestNode(context.Context, model.Position) (routing.Node, error) {
	return routing.Node{}, routing.ErrUnknownNode
}

func (l *lineProvider) ShortestPath(context.Context, routing.Node, routing.Node) (routing.Path, error) {
	return routing.Path{}, routing.ErrNoPath
}

func (l *lineProvider) DurationMatrix(_ context.Context, nodes []routing.Node) ([][]time.Duration, error) {
	l.calls++
	out := make([][]time.Duration, len(nodes))
	for i, a := range nodes {
		out[i] = make([]time.Duration, len(nodes))
		for j, b := range nodes {
			d := a.ID - b.ID
			if d < 0 {
				d = -d
			}
			out[i][j] = time.Duration(d) * time.Minute
		}
	}
	return out, nil
}

var ref = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func at(min int) time.Time { return ref.Add(time.Duration(min) * time.Minute) }

func station(id int64) model.Station {
	return model.Station{ID: "st" + string(rune('A'+id)), CommunityID: "c1", NodeID: id}
}

func request(id string, from, to int64, depMin, depMax int, load model.Load) model.Moby {
	return model.Moby{
		RequestID:   id,
		Start:       station(from),
		Stop:        station(to),
		StartWindow: &model.Window{Min: at(depMin), Max: at(depMax)},
		Load:        load,
	}
}

func bus(id string, seats, wheelchairs int) Vehicle {
	return Vehicle{ID: id, Capacity: model.Capacity{Seats: seats, Wheelchairs: wheelchairs, SeatsPerWheelchair: 2}, Start: 0, End: 600}
}

func newBuilder(opts Options, vs ...Vehicle) *Builder {
	return NewBuilder(ref, opts, NewMatrix(&lineProvider{}, nil, 1), vs)
}

func TestTryAddSchedulesPickupBeforeDelivery(t *testing.T) {
	b := newBuilder(Options{}, bus("v1", 4, 0))
	nb, err := b.TryAdd(context.Background(), request("r1", 2, 12, 10, 20, model.Load{Seats: 1}), 5)
	if err != nil {
		t.Fatal(err)
	}
	sol := nb.Solution()
	if sol.VehicleID != "v1" || len(sol.Routes) != 1 {
		t.Fatalf("unexpected solution %+v", sol)
	}
	v := sol.Routes[0].Visits
	if len(v) != 2 || v[0].Node.Kind != Pickup || v[1].Node.Kind != Delivery {
		t.Fatalf("visits %+v", v)
	}
	if v[0].Time != 10 || v[1].Time != 20 {
		t.Fatalf("times %d, %d", v[0].Time, v[1].Time)
	}
}

func TestFailedTryAddLeavesBuilderUnchanged(t *testing.T) {
	b := newBuilder(Options{}, bus("v1", 2, 0))
	first, err := b.TryAdd(context.Background(), request("r1", 0, 10, 0, 5, model.Load{Seats: 2}), 5)
	if err != nil {
		t.Fatal(err)
	}
	before := first.Solution()
	same, err := first.TryAdd(context.Background(), request("r2", 1, 9, 0, 5, model.Load{Seats: 1}), 5)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
	if same != first {
		t.Fatalf("failed attempt must return the receiver")
	}
	after := first.Solution()
	if len(after.Routes[0].Visits) != len(before.Routes[0].Visits) || len(first.nodes) != 3 {
		t.Fatalf("builder state changed after failed insertion")
	}
}

func TestCapacityOnWeightedDimension(t *testing.T) {
	// two wheelchairs block four seats on a five-seat bus
	b := newBuilder(Options{}, bus("v1", 5, 2))
	nb, err := b.TryAdd(context.Background(), request("r1", 0, 10, 0, 5, model.Load{Wheelchairs: 2}), 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := nb.TryAdd(context.Background(), request("r2", 1, 9, 0, 5, model.Load{Seats: 2}), 5); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("want weighted capacity violation, got %v", err)
	}
	if _, err := nb.TryAdd(context.Background(), request("r3", 1, 9, 0, 5, model.Load{Seats: 1}), 5); err != nil {
		t.Fatalf("one seat still fits: %v", err)
	}
}

func TestMaxRideTimeRejectsLongDetour(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(Options{}, bus("v1", 8, 0))
	// a 2 minute direct ride tolerates at most 17 minutes in the vehicle
	nb, err := b.TryAdd(ctx, request("r1", 0, 2, 0, 0, model.Load{Seats: 1}), 100)
	if err != nil {
		t.Fatal(err)
	}
	if got := nb.nodes[1].MaxRide; got != 17 {
		t.Fatalf("max ride %d", got)
	}
	far := Node{Kind: Mandatory, Map: routing.Node{ID: 30}, Pair: -1, Min: 0, Max: Horizon}
	if err := nb.matrix.Ensure(ctx, far.Map); err != nil {
		t.Fatal(err)
	}
	nb, idx := nb.withNodes(far)
	if _, _, ok := nb.schedule(nb.vehicles[0], []int{1, idx, 2}); ok {
		t.Fatalf("detour via node 30 must exceed the ride limit")
	}
	if _, _, ok := nb.schedule(nb.vehicles[0], []int{1, 2, idx}); !ok {
		t.Fatalf("direct ride then detour must schedule")
	}
}

func TestWheelchairServiceTime(t *testing.T) {
	b := newBuilder(Options{WheelchairService: 3}, bus("v1", 8, 2))
	nb, err := b.TryAdd(context.Background(), request("r1", 0, 5, 0, 0, model.Load{Wheelchairs: 1}), 5)
	if err != nil {
		t.Fatal(err)
	}
	v := nb.Solution().Routes[0].Visits
	if v[1].Time != 8 {
		t.Fatalf("delivery at %d, want 3 service + 5 travel", v[1].Time)
	}
}

func TestLoadedArcWeightRaisesCost(t *testing.T) {
	plain := newBuilder(Options{}, bus("v1", 8, 0))
	weighted := newBuilder(Options{LoadedArcWeight: 0.5}, bus("v1", 8, 0))
	r := request("r1", 0, 10, 0, 0, model.Load{Seats: 1})
	a, err := plain.TryAdd(context.Background(), r, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := weighted.TryAdd(context.Background(), r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.Cost() != 10 || b.Cost() != 15 {
		t.Fatalf("costs %v and %v", a.Cost(), b.Cost())
	}
}

func TestGroupPenaltyKeepsGroupTogether(t *testing.T) {
	r1 := request("r1", 0, 10, 0, 5, model.Load{Seats: 1})
	r1.GroupID = "g"
	r2 := request("r2", 20, 30, 20, 40, model.Load{Seats: 1})
	r2.GroupID = "g"
	vehiclesUsed := func(opts Options) int {
		b := newBuilder(opts, bus("v1", 2, 0), bus("v2", 2, 0))
		nb, err := b.TryAdd(context.Background(), r1, 5)
		if err != nil {
			t.Fatal(err)
		}
		nb, err = nb.TryAdd(context.Background(), r2, 5)
		if err != nil {
			t.Fatal(err)
		}
		return len(nb.Solution().Routes)
	}
	if n := vehiclesUsed(Options{}); n != 2 {
		t.Fatalf("without penalty a second vehicle is cheaper, got %d routes", n)
	}
	if n := vehiclesUsed(Options{GroupPenalty: 1000}); n != 1 {
		t.Fatalf("group split across %d vehicles", n)
	}
}

func TestClosingIntervalDelaysService(t *testing.T) {
	b := newBuilder(Options{}, bus("v1", 8, 0))
	r := request("r1", 0, 4, 0, 30, model.Load{Seats: 1})
	r.Start.ClosingTimes = []model.Interval{{Start: at(-5), End: at(12)}}
	nb, err := b.TryAdd(context.Background(), r, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := nb.Solution().Routes[0].Visits[0].Time; got != 12 {
		t.Fatalf("pickup at %d, want after closing", got)
	}
}

func TestSeedKeepsCommittedOrderAndPin(t *testing.T) {
	b := newBuilder(Options{}, bus("v1", 8, 0), bus("v2", 8, 0))
	p := model.Moby{
		RequestID:   "old",
		Start:       station(0),
		Stop:        station(10),
		StartWindow: &model.Window{Min: at(0), Max: at(2)},
		StopWindow:  &model.Window{Min: at(10), Max: at(12)},
		Load:        model.Load{Seats: 1},
		Promise:     true,
		VehicleID:   "v2",
		TourID:      "t1",
	}
	nb, err := b.Seed(context.Background(), "v2", []model.Moby{p})
	if err != nil {
		t.Fatal(err)
	}
	sol := nb.Solution()
	if len(sol.Routes) != 1 || sol.Routes[0].VehicleID != "v2" {
		t.Fatalf("promise must stay on v2: %+v", sol.Routes)
	}
	if len(b.Solution().Routes) != 0 {
		t.Fatalf("seed mutated receiver")
	}
}

func TestSlackPolicyValues(t *testing.T) {
	got := SlackPolicy{Base: 5, Factor: 2, Max: 15, Steps: 3}.Values()
	want := []int{5, 10, 15}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if v := (SlackPolicy{Base: 5, Factor: 2, Max: 5, Steps: 3}).Values(); len(v) != 1 {
		t.Fatalf("capped duplicates must collapse, got %v", v)
	}
}

func TestArrivingConnectionDelaysPickup(t *testing.T) {
	opts := Options{Transfer: 2, ConnectionMargin: 10}
	b := newBuilder(opts, bus("v1", 8, 0))
	r := request("r1", 0, 5, 5, 20, model.Load{Seats: 1})
	r.Start.Connections = []model.Connection{{Name: "RE 7", Arrival: at(8)}}
	nb, err := b.TryAdd(context.Background(), r, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := nb.Solution().Routes[0].Visits[0].Time; got != 10 {
		t.Fatalf("pickup at %d, want arrival 8 plus 2 transfer", got)
	}

	cases := []struct {
		name    string
		arrival int
		margin  int
		lo, hi  int
	}{
		{"inside margin", 8, 10, 10, 20},
		{"after window", 30, 10, 5, 20},
		{"beyond margin", 8, 3, 5, 20},
		{"before window", 1, 10, 5, 20},
	}
	for _, tc := range cases {
		b := newBuilder(Options{Transfer: 2, ConnectionMargin: tc.margin}, bus("v1", 8, 0))
		s := station(0)
		s.Connections = []model.Connection{{Arrival: at(tc.arrival)}}
		lo, hi := b.afterArrivals(s, 5, 20)
		if lo != tc.lo || hi != tc.hi {
			t.Fatalf("%s: window [%d,%d], want [%d,%d]", tc.name, lo, hi, tc.lo, tc.hi)
		}
	}
}

func TestDepartingConnectionBoundsDelivery(t *testing.T) {
	opts := Options{Transfer: 2, ConnectionMargin: 10}
	b := newBuilder(opts, bus("v1", 8, 0))
	r := model.Moby{
		RequestID:  "r1",
		Start:      station(0),
		Stop:       station(5),
		StopWindow: &model.Window{Min: at(20), Max: at(30)},
		Load:       model.Load{Seats: 1},
	}
	r.Stop.Connections = []model.Connection{{Name: "RB 12", Departure: at(29)}}
	nb, err := b.TryAdd(context.Background(), r, 5)
	if err != nil {
		t.Fatal(err)
	}
	var delivery Node
	for _, n := range nb.nodes {
		if n.Kind == Delivery && n.Request == "r1" {
			delivery = n
		}
	}
	if delivery.Min != 20 || delivery.Max != 27 {
		t.Fatalf("delivery window [%d,%d], want [20,27]", delivery.Min, delivery.Max)
	}

	cases := []struct {
		name      string
		departure int
		margin    int
		lo, hi    int
	}{
		{"inside margin", 29, 10, 20, 27},
		{"after window", 45, 10, 20, 30},
		{"beyond margin", 25, 3, 20, 30},
		{"before window", 15, 10, 20, 30},
	}
	for _, tc := range cases {
		b := newBuilder(Options{Transfer: 2, ConnectionMargin: tc.margin}, bus("v1", 8, 0))
		s := station(5)
		s.Connections = []model.Connection{{Departure: at(tc.departure)}}
		lo, hi := b.beforeDepartures(s, 20, 30)
		if lo != tc.lo || hi != tc.hi {
			t.Fatalf("%s: window [%d,%d], want [%d,%d]", tc.name, lo, hi, tc.lo, tc.hi)
		}
	}
}

func TestAddMandatoryPinsStationToVehicle(t *testing.T) {
	ctx := context.Background()
	b := newBuilder(Options{}, bus("v1", 8, 0), bus("v2", 8, 0))
	nb, err := b.AddMandatory(ctx, "v1", station(7))
	if err != nil {
		t.Fatal(err)
	}
	nb, err = nb.TryAdd(ctx, request("r1", 0, 10, 0, 5, model.Load{Seats: 1}), 5)
	if err != nil {
		t.Fatal(err)
	}
	var pinned []Visit
	for _, r := range nb.Solution().Routes {
		for _, v := range r.Visits {
			if v.Node.Kind == Mandatory {
				if r.VehicleID != "v1" || v.Node.Vehicle != "v1" {
					t.Fatalf("mandatory visit on %s pinned to %q", r.VehicleID, v.Node.Vehicle)
				}
				pinned = append(pinned, v)
			}
		}
	}
	if len(pinned) != 1 || pinned[0].Node.StationID != station(7).ID {
		t.Fatalf("mandatory visits %+v", pinned)
	}
	if _, err := b.Exclude("v2").AddMandatory(ctx, "v2", station(7)); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("excluded vehicle must refuse a mandatory stop, got %v", err)
	}
}

func TestAddMandatoryClosedForWholeShift(t *testing.T) {
	short := Vehicle{ID: "v1", Capacity: model.Capacity{Seats: 8}, Start: 0, End: 30}
	b := newBuilder(Options{}, short)
	s := station(5)
	s.ClosingTimes = []model.Interval{{Start: at(-60), End: at(40)}}
	same, err := b.AddMandatory(context.Background(), "v1", s)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
	if same != b {
		t.Fatalf("failed pin must return the receiver")
	}
}
