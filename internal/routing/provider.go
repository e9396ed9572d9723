package routing

import (
	"context"
	"errors"
	"math"
	"time"

	"ridepool/internal/model"
)

var (
	ErrNoPath      = errors.New("routing: no path")
	ErrUnknownNode = errors.New("routing: unknown node")
)

// Unreachable marks a matrix entry with no connecting path.
const Unreachable = time.Duration(math.MaxInt64 / 4)

// Node is a map vertex. Graph providers key on ID, remote providers on coordinates.
type Node struct {
	ID  int64   `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (n Node) Position() model.Position { return model.Position{Lat: n.Lat, Lon: n.Lon} }

// Path is an ordered vertex list with the travel time of every edge (len(Legs) == len(Nodes)-1).
type Path struct {
	Nodes []Node
	Legs  []time.Duration
}

func (p Path) Duration() time.Duration {
	var d time.Duration
	for _, l := range p.Legs {
		d += l
	}
	return d
}

// MapProvider is the road network contract shared by the offline graph and remote services.
type MapProvider interface {
	NearestNode(ctx context.Context, pos model.Position) (Node, error)
	ShortestPath(ctx context.Context, from, to Node) (Path, error)
	// DurationMatrix returns travel times between all pairs; unreachable pairs hold Unreachable.
	DurationMatrix(ctx context.Context, nodes []Node) ([][]time.Duration, error)
}

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters.
func Haversine(a, b model.Position) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
