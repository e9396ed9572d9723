package opt

import (
	"context"
	"fmt"
	"math"
	"time"

	"ridepool/internal/model"
	"ridepool/internal/routing"
)

// minRideAllowance is the least detour a passenger tolerates on top of the direct ride.
const minRideAllowance = 15

func (b *Builder) floorMinute(t time.Time) int {
	return int(math.Floor(t.Sub(b.ref).Minutes()))
}

func (b *Builder) ceilMinute(t time.Time) int {
	return int(math.Ceil(t.Sub(b.ref).Minutes()))
}

func (b *Builder) minutes(w model.Window) (int, int) {
	return b.floorMinute(w.Min), b.ceilMinute(w.Max)
}

func mapNode(s model.Station) routing.Node {
	return routing.Node{ID: s.NodeID, Lat: s.Lat, Lon: s.Lon}
}

// requestNodes builds the pickup and delivery node of m. Promises keep their committed windows;
// a fresh request with only one side given gets a tentative window on the other side derived
// from the direct travel time plus slack, then both are snapped to connecting services.
func (b *Builder) requestNodes(ctx context.Context, m model.Moby, slack int) (Node, Node, error) {
	if m.StartWindow == nil && m.StopWindow == nil {
		return Node{}, Node{}, fmt.Errorf("request %s has no time window: %w", m.RequestID, ErrNoRoute)
	}
	from, to := mapNode(m.Start), mapNode(m.Stop)
	if err := b.matrix.Ensure(ctx, from, to); err != nil {
		return Node{}, Node{}, fmt.Errorf("%w: %v", ErrSolverInternal, err)
	}
	direct := b.matrix.Minutes(from.ID, to.ID)
	if direct == unreachable {
		return Node{}, Node{}, fmt.Errorf("request %s: stops not connected: %w", m.RequestID, ErrNoRoute)
	}

	var pMin, pMax, dMin, dMax int
	switch {
	case m.StartWindow != nil && m.StopWindow != nil:
		pMin, pMax = b.minutes(*m.StartWindow)
		dMin, dMax = b.minutes(*m.StopWindow)
	case m.StartWindow != nil:
		pMin, pMax = b.minutes(*m.StartWindow)
		dMin, dMax = pMin+direct, pMax+direct+slack
	default:
		dMin, dMax = b.minutes(*m.StopWindow)
		pMin, pMax = dMin-direct-slack, dMax-direct
	}
	if !m.Promise {
		pMin, pMax = b.afterArrivals(m.Start, pMin, pMax)
		dMin, dMax = b.beforeDepartures(m.Stop, dMin, dMax)
	}

	service := m.Load.Wheelchairs * b.opts.WheelchairService
	p := Node{
		Kind:      Pickup,
		Map:       from,
		StationID: m.Start.ID,
		StopID:    m.BoardingStopID,
		Request:   m.RequestID,
		TourID:    m.TourID,
		Group:     m.GroupID,
		Min:       pMin,
		Max:       pMax,
		Service:   service,
		Delta:     m.Load,
		Closing:   b.closing(m.Start),
		Promise:   m.Promise,
	}
	d := p
	d.Kind = Delivery
	d.Map = to
	d.StationID = m.Stop.ID
	d.StopID = m.AlightingStopID
	d.Min, d.Max = dMin, dMax
	d.Closing = b.closing(m.Stop)
	if m.Promise {
		p.Vehicle, d.Vehicle = m.VehicleID, m.VehicleID
	} else {
		p.MaxRide = direct + max(minRideAllowance, direct)
	}
	return p, d, nil
}

func (b *Builder) closing(s model.Station) [][2]int {
	var out [][2]int
	for _, c := range s.ClosingTimes {
		out = append(out, [2]int{b.floorMinute(c.Start), b.ceilMinute(c.End)})
	}
	return out
}

// beforeDepartures pulls the latest arrival forward so a connection departing shortly after the
// window can still be caught with the transfer time. The window is only ever narrowed.
func (b *Builder) beforeDepartures(s model.Station, lo, hi int) (int, int) {
	for _, c := range s.Connections {
		if c.Departure.IsZero() {
			continue
		}
		latest := b.floorMinute(c.Departure) - b.opts.Transfer
		if latest >= lo && latest < hi && hi <= latest+b.opts.ConnectionMargin {
			hi = latest
		}
	}
	return lo, hi
}

// afterArrivals pushes the earliest pickup back so a passenger arriving on a connection just
// before the window has time to transfer.
func (b *Builder) afterArrivals(s model.Station, lo, hi int) (int, int) {
	for _, c := range s.Connections {
		if c.Arrival.IsZero() {
			continue
		}
		earliest := b.ceilMinute(c.Arrival) + b.opts.Transfer
		if earliest > lo && earliest <= hi && lo >= earliest-b.opts.ConnectionMargin {
			lo = earliest
		}
	}
	return lo, hi
}
