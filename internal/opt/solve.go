package opt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"ridepool/internal/model"
	"ridepool/internal/routing"
)

// Solver builds a tour layout for one fresh request on top of the committed promises.
type Solver struct {
	Provider routing.MapProvider
	Cache    routing.PairCache
	Options  Options
	Slack    SlackPolicy
}

// Solve seeds every vehicle with its promises at zero slack, pins mandatory stations, then tries
// the fresh request with increasing slack. It returns ErrNoRoute when no slack step succeeds and
// an ErrSolverInternal wrapped error when travel times cannot be obtained.
func (s *Solver) Solve(ctx context.Context, p Problem) (Solution, error) {
	started := time.Now()
	ref := referenceDate(p)
	matrix := NewMatrix(s.Provider, s.Cache, s.Options.DrivingTimeFactor)
	if err := matrix.Ensure(ctx, problemNodes(p)...); err != nil {
		return Solution{}, fmt.Errorf("%w: %v", ErrSolverInternal, err)
	}

	vehicles := make([]Vehicle, 0, len(p.Vehicles))
	for _, vi := range p.Vehicles {
		vehicles = append(vehicles, Vehicle{
			ID:       vi.Vehicle.ID,
			Capacity: vi.Vehicle.Capacity,
			Start:    minuteOf(ref, vi.Window.Start, false),
			End:      minuteOf(ref, vi.Window.End, true),
		})
	}
	b := NewBuilder(ref, s.Options, matrix, vehicles)

	byVehicle := map[string][]model.Moby{}
	var order []string
	for _, m := range p.Promises {
		if b.vehicleIndex(m.VehicleID) < 0 {
			continue
		}
		if _, ok := byVehicle[m.VehicleID]; !ok {
			order = append(order, m.VehicleID)
		}
		byVehicle[m.VehicleID] = append(byVehicle[m.VehicleID], m)
	}
	for _, vid := range order {
		kept, straddles := insideWindow(byVehicle[vid], p.Vehicles, vid)
		if straddles {
			log.Warn().Str("vehicle", vid).Msg("committed tour crosses the usable window; vehicle left out")
			b = b.Exclude(vid)
			continue
		}
		nb, err := b.Seed(ctx, vid, kept)
		if err != nil {
			if !errors.Is(err, ErrNoRoute) {
				return Solution{}, err
			}
			log.Warn().Str("vehicle", vid).Msg("committed tours no longer schedule; vehicle left out")
			b = b.Exclude(vid)
			continue
		}
		b = nb
	}
	for _, st := range p.Mandatory {
		for _, v := range vehicles {
			if b.Excluded(v.ID) {
				continue
			}
			nb, err := b.AddMandatory(ctx, v.ID, st)
			if err != nil {
				if !errors.Is(err, ErrNoRoute) {
					return Solution{}, err
				}
				log.Warn().Str("vehicle", v.ID).Str("station", st.ID).Msg("mandatory station does not fit; vehicle left out")
				b = b.Exclude(v.ID)
				continue
			}
			b = nb
		}
	}

	attempts := 0
	for _, slack := range s.Slack.Values() {
		attempts++
		nb, err := b.TryAdd(ctx, p.Request, slack)
		if err != nil {
			if errors.Is(err, ErrNoRoute) {
				continue
			}
			s.record(p, ref, b, attempts, started, false)
			return Solution{Attempts: attempts}, err
		}
		sol := nb.Solution()
		sol.Slack = slack
		sol.Attempts = attempts
		s.record(p, ref, nb, attempts, started, true)
		log.Debug().
			Str("request_id", p.Request.RequestID).
			Int("slack", slack).
			Float64("cost", sol.Cost).
			Int("evaluated", nb.Evaluated).
			Msg("request inserted")
		return sol, nil
	}
	s.record(p, ref, b, attempts, started, false)
	return Solution{Attempts: attempts}, ErrNoRoute
}

func (s *Solver) record(p Problem, ref time.Time, b *Builder, attempts int, started time.Time, ok bool) {
	RecordMetrics(p.Request.Start.CommunityID, ref.Format("2006-01-02"), Metrics{
		Attempts:   attempts,
		Insertions: b.Insertions,
		Evaluated:  b.Evaluated,
		Cost:       b.Cost(),
		Duration:   time.Since(started),
		Success:    ok,
		Fetches:    b.matrix.Fetches,
	})
}

// referenceDate is the earliest instant of any request window, truncated to the minute.
func referenceDate(p Problem) time.Time {
	var ref time.Time
	consider := func(w *model.Window) {
		if w != nil && (ref.IsZero() || w.Min.Before(ref)) {
			ref = w.Min
		}
	}
	consider(p.Request.StartWindow)
	consider(p.Request.StopWindow)
	for i := range p.Promises {
		consider(p.Promises[i].StartWindow)
		consider(p.Promises[i].StopWindow)
	}
	return ref.Truncate(time.Minute)
}

func minuteOf(ref, t time.Time, ceil bool) int {
	d := t.Sub(ref)
	m := int(d / time.Minute)
	if ceil && d%time.Minute > 0 {
		m++
	}
	if !ceil && d%time.Minute < 0 {
		m--
	}
	if m > Horizon {
		return Horizon
	}
	if m < -Horizon {
		return -Horizon
	}
	return m
}

func problemNodes(p Problem) []routing.Node {
	out := []routing.Node{mapNode(p.Request.Start), mapNode(p.Request.Stop)}
	for _, m := range p.Promises {
		out = append(out, mapNode(m.Start), mapNode(m.Stop))
	}
	for _, st := range p.Mandatory {
		out = append(out, mapNode(st))
	}
	return out
}

// insideWindow keeps the tours lying inside the vehicle's usable window and drops those entirely
// outside it, which sit on the far side of a reservation. straddles reports a tour that overlaps
// the window without fitting into it; its passengers cannot be kept, so the vehicle must not be
// used.
func insideWindow(promises []model.Moby, vehicles []VehicleInput, vehicleID string) (kept []model.Moby, straddles bool) {
	var win model.Interval
	for _, v := range vehicles {
		if v.Vehicle.ID == vehicleID {
			win = v.Window
		}
	}
	extent := map[string]model.Interval{}
	for _, m := range promises {
		lo, hi := promiseSpan(m)
		e, ok := extent[m.TourID]
		if !ok || lo.Before(e.Start) {
			e.Start = lo
		}
		if !ok || hi.After(e.End) {
			e.End = hi
		}
		extent[m.TourID] = e
	}
	outside := map[string]bool{}
	for id, e := range extent {
		switch {
		case win.Contains(e.Start) && win.Contains(e.End):
		case !e.Overlaps(win):
			outside[id] = true
		default:
			return nil, true
		}
	}
	for _, m := range promises {
		if !outside[m.TourID] {
			kept = append(kept, m)
		}
	}
	return kept, false
}

func promiseSpan(m model.Moby) (time.Time, time.Time) {
	var lo, hi time.Time
	if m.StartWindow != nil {
		lo, hi = m.StartWindow.Min, m.StartWindow.Max
	}
	if m.StopWindow != nil {
		if lo.IsZero() {
			lo = m.StopWindow.Min
		}
		hi = m.StopWindow.Max
	}
	return lo, hi
}
