// Package stations resolves coordinates to the stations vehicles can serve.
package stations

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/routing"
	"ridepool/internal/store"
)

// ErrNoStation means no station lies within the search radius.
var ErrNoStation = errors.New("no station in range")

type Directory struct {
	store  store.Store
	roads  routing.MapProvider
	radius float64
}

// New returns a directory over s. When roads is non-nil, stations stored without a map node
// are snapped to the nearest road node on lookup.
func New(s store.Store, roads routing.MapProvider, cfg config.Stations) *Directory {
	return &Directory{store: s, roads: roads, radius: cfg.SearchRadiusMeters}
}

// Nearest returns the closest station to pos across all communities and its distance in
// meters.
func (d *Directory) Nearest(ctx context.Context, pos model.Position) (model.Station, float64, error) {
	all, err := d.store.ListStations(ctx, "")
	if err != nil {
		return model.Station{}, 0, fmt.Errorf("list stations: %w", err)
	}
	best, bestDist := -1, math.Inf(1)
	for i, s := range all {
		if dist := routing.Haversine(pos, s.Position()); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best < 0 || bestDist > d.radius {
		return model.Station{}, 0, fmt.Errorf("%.5f,%.5f: %w", pos.Lat, pos.Lon, ErrNoStation)
	}
	st, err := d.snap(ctx, all[best])
	if err != nil {
		return model.Station{}, 0, err
	}
	return st, bestDist, nil
}

func (d *Directory) snap(ctx context.Context, st model.Station) (model.Station, error) {
	if st.NodeID != 0 {
		return st, nil
	}
	if d.roads == nil {
		return st, fmt.Errorf("station %s has no map node: %w", st.ID, routing.ErrUnknownNode)
	}
	n, err := d.roads.NearestNode(ctx, st.Position())
	if err != nil {
		return st, fmt.Errorf("snap station %s: %w", st.ID, err)
	}
	st.NodeID = n.ID
	return st, nil
}

// Mandatory lists the stations every vehicle of community must call at. Stations that cannot be
// placed on the road network are skipped.
func (d *Directory) Mandatory(ctx context.Context, community string) ([]model.Station, error) {
	all, err := d.store.ListStations(ctx, community)
	if err != nil {
		return nil, err
	}
	var out []model.Station
	for _, s := range all {
		if !s.Mandatory {
			continue
		}
		st, err := d.snap(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("community", community).Msg("mandatory station left out")
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Distance is the great-circle distance between two stations in meters.
func Distance(a, b model.Station) float64 { return routing.Haversine(a.Position(), b.Position()) }
