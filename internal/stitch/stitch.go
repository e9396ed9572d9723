// Package stitch turns solver routes into persistable stops and a timed polyline.
package stitch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ridepool/internal/model"
	"ridepool/internal/opt"
	"ridepool/internal/routing"
)

// Stop is a persisted stop together with the solver visits merged into it.
type Stop struct {
	model.Stop
	Visits []opt.Visit
}

type Route struct {
	VehicleID string
	Stops     []Stop
	Path      []model.PathPoint
}

type Stitcher struct {
	Provider  routing.MapProvider
	StopSlack time.Duration
	Factor    float64
}

// Stitch converts minute offsets of r to wall-clock time, merges consecutive visits at the same
// map node into one stop and expands the polyline between visits. Mandatory visits shape the
// path but do not become stops.
func (s *Stitcher) Stitch(ctx context.Context, ref time.Time, r opt.Route) (Route, error) {
	out := Route{VehicleID: r.VehicleID}
	used := map[string]bool{}
	at := func(m int) time.Time { return ref.Add(time.Duration(m) * time.Minute) }

	for _, v := range r.Visits {
		if v.Node.Kind != opt.Pickup && v.Node.Kind != opt.Delivery {
			continue
		}
		lo := maxTime(at(v.Time).Add(-s.StopSlack), at(v.Node.Min))
		hi := minTime(at(v.Time).Add(s.StopSlack), at(v.Node.Max))
		n := len(out.Stops)
		if n > 0 && out.Stops[n-1].NodeID == v.Node.Map.ID {
			last := &out.Stops[n-1]
			last.Visits = append(last.Visits, v)
			if hi.After(last.TMax) {
				last.TMax = hi
			}
			addPassenger(&last.Stop, v.Node)
			if last.ID == "" && v.Node.StopID != "" && !used[v.Node.StopID] {
				last.ID = v.Node.StopID
				used[last.ID] = true
			}
			continue
		}
		st := Stop{
			Stop: model.Stop{
				StationID: v.Node.StationID,
				NodeID:    v.Node.Map.ID,
				Lat:       v.Node.Map.Lat,
				Lon:       v.Node.Map.Lon,
				TMin:      lo,
				TMax:      hi,
			},
			Visits: []opt.Visit{v},
		}
		if id := v.Node.StopID; id != "" && !used[id] {
			st.ID = id
			used[id] = true
		}
		addPassenger(&st.Stop, v.Node)
		out.Stops = append(out.Stops, st)
	}
	for i := range out.Stops {
		if out.Stops[i].ID == "" {
			out.Stops[i].ID = uuid.NewString()
		}
		if out.Stops[i].TMax.Before(out.Stops[i].TMin) {
			out.Stops[i].TMax = out.Stops[i].TMin
		}
	}

	path, err := s.path(ctx, ref, r.Visits)
	if err != nil {
		return Route{}, err
	}
	out.Path = path
	return out, nil
}

func addPassenger(s *model.Stop, n opt.Node) {
	switch n.Kind {
	case opt.Pickup:
		s.Boarding = append(s.Boarding, n.Request)
	case opt.Delivery:
		s.Alighting = append(s.Alighting, n.Request)
	}
}

// path expands every leg between distinct map nodes. Time along a leg is distributed in
// proportion to each edge's share of the leg's travel time, starting when service at the
// previous visit ends.
func (s *Stitcher) path(ctx context.Context, ref time.Time, visits []opt.Visit) ([]model.PathPoint, error) {
	var out []model.PathPoint
	factor := s.Factor
	if factor <= 0 {
		factor = 1
	}
	for i, v := range visits {
		at := ref.Add(time.Duration(v.Time) * time.Minute)
		if i == 0 {
			out = append(out, point(v.Node.Map, at))
			continue
		}
		prev := visits[i-1]
		if prev.Node.Map.ID == v.Node.Map.ID {
			continue
		}
		p, err := s.Provider.ShortestPath(ctx, prev.Node.Map, v.Node.Map)
		if err != nil {
			return nil, fmt.Errorf("path %d -> %d: %w", prev.Node.Map.ID, v.Node.Map.ID, err)
		}
		depart := ref.Add(time.Duration(prev.Time+prev.Node.Service) * time.Minute)
		travel := time.Duration(float64(p.Duration()) * factor)
		if arrive := depart.Add(travel); arrive.After(at) {
			travel = at.Sub(depart)
		}
		total := p.Duration()
		var cum time.Duration
		for k := 1; k < len(p.Nodes); k++ {
			cum += p.Legs[k-1]
			t := depart
			if total > 0 {
				t = depart.Add(time.Duration(float64(travel) * float64(cum) / float64(total)))
			}
			out = append(out, point(p.Nodes[k], t))
		}
	}
	return out, nil
}

func point(n routing.Node, t time.Time) model.PathPoint {
	return model.PathPoint{NodeID: n.ID, Lat: n.Lat, Lon: n.Lon, Time: t}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
