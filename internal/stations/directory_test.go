package stations

import (
	"context"
	"errors"
	"testing"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/routing"
	"ridepool/internal/store"
)

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	for _, s := range []model.Station{
		{ID: "a", CommunityID: "c1", NodeID: 1, Lat: 50.000, Lon: 8.000},
		{ID: "b", CommunityID: "c1", Lat: 50.010, Lon: 8.000, Mandatory: true},
		{ID: "z", CommunityID: "c2", NodeID: 9, Lat: 51.000, Lon: 9.000},
	} {
		if err := m.UpsertStation(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestNearestWithinRadius(t *testing.T) {
	d := New(seeded(t), nil, config.Stations{SearchRadiusMeters: 500})
	st, dist, err := d.Nearest(context.Background(), model.Position{Lat: 50.001, Lon: 8.000})
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != "a" || dist < 100 || dist > 120 {
		t.Fatalf("got %s at %.1fm", st.ID, dist)
	}
	if _, _, err := d.Nearest(context.Background(), model.Position{Lat: 50.5, Lon: 8.5}); !errors.Is(err, ErrNoStation) {
		t.Fatalf("want ErrNoStation, got %v", err)
	}
}

func TestNearestSnapsStationToRoad(t *testing.T) {
	g, err := routing.NewGraph([]routing.Node{{ID: 7, Lat: 50.0101, Lon: 8.0}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := New(seeded(t), g, config.Stations{SearchRadiusMeters: 500})
	st, _, err := d.Nearest(context.Background(), model.Position{Lat: 50.0099, Lon: 8.0})
	if err != nil {
		t.Fatal(err)
	}
	if st.ID != "b" || st.NodeID != 7 {
		t.Fatalf("got %+v", st)
	}
}

func TestMandatorySnapsOrSkips(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	if err := m.UpsertStation(ctx, model.Station{ID: "far", CommunityID: "c1", Lat: 10, Lon: 10, Mandatory: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertStation(ctx, model.Station{ID: "pinned", CommunityID: "c1", NodeID: 3, Lat: 50.02, Lon: 8, Mandatory: true}); err != nil {
		t.Fatal(err)
	}
	g, err := routing.NewGraph([]routing.Node{{ID: 7, Lat: 50.0101, Lon: 8.0}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	snapper := &farNodes{Graph: g}
	got, err := New(m, snapper, config.Stations{SearchRadiusMeters: 500}).Mandatory(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	nodes := map[string]int64{}
	for _, s := range got {
		nodes[s.ID] = s.NodeID
	}
	if len(got) != 2 || nodes["b"] != 7 || nodes["pinned"] != 3 {
		t.Fatalf("got %+v", got)
	}

	got, err = New(m, nil, config.Stations{SearchRadiusMeters: 500}).Mandatory(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "pinned" {
		t.Fatalf("without a road network only mapped stations qualify, got %+v", got)
	}
}

// farNodes refuses to snap positions more than a kilometre from node 7.
type farNodes struct{ *routing.Graph }

func (f *farNodes) NearestNode(ctx context.Context, pos model.Position) (routing.Node, error) {
	n, err := f.Graph.NearestNode(ctx, pos)
	if err != nil {
		return n, err
	}
	if routing.Haversine(pos, model.Position{Lat: n.Lat, Lon: n.Lon}) > 1000 {
		return routing.Node{}, routing.ErrUnknownNode
	}
	return n, nil
}
