package stitch

import (
	"context"
	"testing"
	"time"

	"ridepool/internal/opt"
	"ridepool/internal/routing"
)

var ref = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func lineGraph(t *testing.T) *routing.Graph {
	t.Helper()
	var nodes []routing.Node
	var arcs []routing.Arc
	for i := int64(1); i <= 4; i++ {
		nodes = append(nodes, routing.Node{ID: i, Lat: 50 + float64(i)/100, Lon: 8})
		if i > 1 {
			arcs = append(arcs, routing.Arc{From: i - 1, To: i, Cost: time.Minute}, routing.Arc{From: i, To: i - 1, Cost: time.Minute})
		}
	}
	g, err := routing.NewGraph(nodes, arcs)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func visit(kind opt.NodeKind, node int64, req, stopID string, at, lo, hi int) opt.Visit {
	return opt.Visit{Time: at, Node: opt.Node{
		Kind:    kind,
		Map:     routing.Node{ID: node, Lat: 50 + float64(node)/100, Lon: 8},
		Request: req,
		StopID:  stopID,
		Min:     lo,
		Max:     hi,
	}}
}

func TestStitchMergesSameNodeAndNarrowsWindows(t *testing.T) {
	s := &Stitcher{Provider: lineGraph(t), StopSlack: 2 * time.Minute, Factor: 1}
	r := opt.Route{VehicleID: "bus", Visits: []opt.Visit{
		visit(opt.Pickup, 1, "a", "keep", 0, -10, 10),
		visit(opt.Pickup, 1, "b", "", 0, 0, 1),
		visit(opt.Delivery, 3, "a", "", 2, 0, 60),
		visit(opt.Delivery, 4, "b", "", 3, 3, 60),
	}}
	out, err := s.Stitch(context.Background(), ref, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Stops) != 3 {
		t.Fatalf("want 3 stops, got %d", len(out.Stops))
	}
	first := out.Stops[0]
	if first.ID != "keep" || len(first.Boarding) != 2 {
		t.Fatalf("merged stop %+v", first.Stop)
	}
	if !first.TMin.Equal(ref.Add(-2*time.Minute)) || !first.TMax.Equal(ref.Add(2*time.Minute)) {
		t.Fatalf("window %v - %v", first.TMin, first.TMax)
	}
	last := out.Stops[2]
	if !last.TMin.Equal(ref.Add(3*time.Minute)) || last.ID == "" {
		t.Fatalf("window must be clipped to the node window, got %v", last.TMin)
	}
	if len(out.Path) != 4 {
		t.Fatalf("path points %d", len(out.Path))
	}
	if !out.Path[1].Time.Equal(ref.Add(time.Minute)) || out.Path[3].NodeID != 4 {
		t.Fatalf("path %+v", out.Path)
	}
}

func TestStitchNeverReusesAStopID(t *testing.T) {
	s := &Stitcher{Provider: lineGraph(t), StopSlack: time.Minute}
	r := opt.Route{VehicleID: "bus", Visits: []opt.Visit{
		visit(opt.Pickup, 1, "a", "s1", 0, 0, 60),
		visit(opt.Pickup, 2, "x", "", 1, 0, 60),
		visit(opt.Pickup, 1, "b", "s1", 2, 0, 60),
		visit(opt.Delivery, 4, "a", "", 5, 0, 60),
	}}
	out, err := s.Stitch(context.Background(), ref, r)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, st := range out.Stops {
		if seen[st.ID] {
			t.Fatalf("duplicate stop id %s", st.ID)
		}
		seen[st.ID] = true
	}
}

func TestStitchPersistsOnlyPassengerStops(t *testing.T) {
	s := &Stitcher{Provider: lineGraph(t), StopSlack: 2 * time.Minute, Factor: 1}
	r := opt.Route{VehicleID: "bus", Visits: []opt.Visit{
		visit(opt.Depot, 1, "", "", 0, 0, opt.Horizon),
		visit(opt.Pickup, 2, "a", "", 1, 0, 60),
		visit(opt.Mandatory, 3, "", "", 2, 0, 60),
		visit(opt.Delivery, 4, "a", "", 3, 0, 60),
	}}
	out, err := s.Stitch(context.Background(), ref, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Stops) != 2 || out.Stops[0].NodeID != 2 || out.Stops[1].NodeID != 4 {
		t.Fatalf("stops %+v", out.Stops)
	}
	if !out.Stops[1].TMax.Equal(ref.Add(5 * time.Minute)) {
		t.Fatalf("stop slack applies to passenger stops, got %v", out.Stops[1].TMax)
	}
	if out.Path[0].NodeID != 1 || out.Path[len(out.Path)-1].NodeID != 4 {
		t.Fatalf("path must still pass every visit: %+v", out.Path)
	}
}
