package opt

import (
	"errors"
	"time"

	"ridepool/internal/model"
	"ridepool/internal/routing"
)

// ErrNoRoute means no feasible assignment exists for the request under the given slack.
var ErrNoRoute = errors.New("no feasible route")

// ErrSolverInternal wraps failures that are not a property of the request, such as a
// duration matrix that could not be fetched.
var ErrSolverInternal = errors.New("solver internal error")

// Horizon stands in for an unconstrained end of day at the depot.
const Horizon = 1 << 30

type NodeKind int

const (
	Depot NodeKind = iota
	Pickup
	Delivery
	Mandatory
)

// Node is one solver location. Times are minutes relative to the builder's reference date.
type Node struct {
	Kind      NodeKind
	Map       routing.Node
	StationID string
	StopID    string // committed stop, promises only
	Request   string
	TourID    string
	Group     string
	Min, Max  int
	Service   int
	Delta     model.Load
	Pair      int // partner node index, -1 for none
	MaxRide   int
	Vehicle   string // pinned vehicle, "" for any
	Closing   [][2]int
	Promise   bool
}

// Vehicle is a solver vehicle with its usable work window in minutes.
type Vehicle struct {
	ID         string
	Capacity   model.Capacity
	Start, End int
}

// VehicleInput is a vehicle with the wall-clock window it may work in.
type VehicleInput struct {
	Vehicle model.Vehicle
	Window  model.Interval
}

// Options are the cost and service parameters of the model.
type Options struct {
	LoadedArcWeight   float64
	GroupPenalty      float64
	WheelchairService int
	ConnectionMargin  int
	Transfer          int
	DrivingTimeFactor float64
}

// SlackPolicy controls the slack retries of a fresh request: Base, Base*Factor, Base*Factor^2,
// at most Steps values, each capped at Max.
type SlackPolicy struct {
	Base, Factor, Max, Steps int
}

func (s SlackPolicy) Values() []int {
	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}
	if steps > 3 {
		steps = 3
	}
	f := s.Factor
	if f < 1 {
		f = 1
	}
	var out []int
	v := s.Base
	for i := 0; i < steps; i++ {
		c := v
		if s.Max > 0 && c > s.Max {
			c = s.Max
		}
		if len(out) > 0 && out[len(out)-1] == c {
			break
		}
		out = append(out, c)
		v *= f
	}
	return out
}

// Problem is one dispatch decision: a fresh request plus everything it must not break.
type Problem struct {
	Request   model.Moby
	Promises  []model.Moby
	Vehicles  []VehicleInput
	Mandatory []model.Station
}

// Visit is a node served by a route at minute Time.
type Visit struct {
	Node  Node
	Index int
	Time  int
}

type Route struct {
	VehicleID string
	Visits    []Visit
}

type Solution struct {
	Ref       time.Time
	Routes    []Route
	Cost      float64
	Slack     int
	Attempts  int
	VehicleID string // vehicle that received the fresh request
}

// Minute converts a model minute back to wall-clock time.
func (s Solution) Minute(m int) time.Time { return s.Ref.Add(time.Duration(m) * time.Minute) }
