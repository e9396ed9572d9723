package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ridepool/internal/availability"
	"ridepool/internal/metrics"
	"ridepool/internal/model"
	"ridepool/internal/opt"
	"ridepool/internal/plan"
	"ridepool/internal/stitch"
	"ridepool/internal/store"
)

// candidate is a fully laid out, not yet persisted way of serving a request in one window.
type candidate struct {
	vehicleID string
	tourID    string
	pickup    model.Window
	dropoff   model.Window
	freeSlot  bool
	tours     []model.Tour
	deleted   []string
	// prior marks tours that existed before this candidate was built
	prior map[string]bool
	err   error
}

// instant is the moment availability is matched for: the requested departure, or the
// requested arrival.
func (d *Dispatcher) instant(a plan.Anchor, w model.Window) time.Time {
	if a == plan.Arrival {
		return w.Max
	}
	return w.Min.Add(d.planner.Pad)
}

// search walks the planned windows in order. accept is called for every window that can be
// served and stops the walk by returning true; failed, when set, receives per-window failures.
func (d *Dispatcher) search(ctx context.Context, r resolved,
	accept func(i int, w model.Window, c *candidate) bool,
	failed func(w model.Window, err error)) error {

	instants := make([]time.Time, len(r.windows))
	for i, w := range r.windows {
		instants[i] = d.instant(r.req.Anchor, w)
	}
	matches, err := d.matcher.Match(ctx, r.community(), instants, r.req.Load)
	if err != nil {
		return err
	}

	sawVehicles, sawBlocker := false, false
	var tooSmall []model.Vehicle
	var last error
	for i, w := range r.windows {
		mt := matches[i]
		if len(mt.Vehicles) == 0 {
			sawBlocker = sawBlocker || mt.InBlocker
			tooSmall = append(tooSmall, mt.TooSmall...)
			if failed != nil {
				failed(w, noVehicles(mt.InBlocker, mt.TooSmall, r.req.Load))
			}
			continue
		}
		sawVehicles = true
		c, err := d.evaluate(ctx, r, w, mt)
		if err != nil {
			var de *model.DispatchError
			if !errors.As(err, &de) {
				return err
			}
			last = err
			if failed != nil {
				failed(w, err)
			}
			continue
		}
		if accept(i, w, c) {
			return nil
		}
		if c.err != nil {
			return c.err
		}
	}
	if !sawVehicles {
		return noVehicles(sawBlocker, tooSmall, r.req.Load)
	}
	return last
}

func noVehicles(blocker bool, tooSmall []model.Vehicle, load model.Load) error {
	switch {
	case len(tooSmall) > 0:
		return model.Fail(model.ReasonVehiclesTooSmall, "the available vehicle offers %s but the request needs %s",
			tooSmall[0].Capacity.String(), load.String())
	case blocker:
		return model.Fail(model.ReasonNoVehiclesBlocker, "all vehicles are blocked at the requested time")
	default:
		return model.Fail(model.ReasonNoVehicles, "no vehicle is available at the requested time")
	}
}

// evaluate tries the free-slot fast path and falls back to the solver.
func (d *Dispatcher) evaluate(ctx context.Context, r resolved, w model.Window, mt availability.Match) (*candidate, error) {
	m := r.moby(w)
	caps := make(map[string]model.Capacity, len(mt.Vehicles))
	ids := make([]string, 0, len(mt.Vehicles))
	inputs := make([]opt.VehicleInput, 0, len(mt.Vehicles))
	for _, vw := range mt.Vehicles {
		caps[vw.Vehicle.ID] = vw.Vehicle.Capacity
		ids = append(ids, vw.Vehicle.ID)
		inputs = append(inputs, opt.VehicleInput{Vehicle: vw.Vehicle, Window: vw.Window})
	}
	open, err := d.store.ListTours(ctx, model.TourFilter{
		CommunityID: r.community(),
		VehicleIDs:  ids,
		Statuses:    []model.TourStatus{model.StatusDraft, model.StatusBooked},
	})
	if err != nil {
		return nil, fmt.Errorf("open tours: %w", err)
	}

	if fs, ok := FindFreeSlot(open, m, caps); ok {
		metrics.FreeSlotHits.Inc()
		t := fs.Apply(m)
		return &candidate{
			vehicleID: t.VehicleID,
			tourID:    t.ID,
			pickup:    t.Stops[fs.BoardIdx].Window(),
			dropoff:   t.Stops[fs.AlightIdx].Window(),
			freeSlot:  true,
			tours:     []model.Tour{t},
			prior:     map[string]bool{t.ID: true},
		}, nil
	}

	promises, err := d.extractor.Promises(ctx, ids, d.instant(r.req.Anchor, w))
	if err != nil {
		return nil, err
	}
	mandatory, err := d.stations.Mandatory(ctx, r.community())
	if err != nil {
		return nil, fmt.Errorf("mandatory stations: %w", err)
	}
	started := time.Now()
	sol, err := d.solver.Solve(ctx, opt.Problem{Request: m, Promises: promises, Vehicles: inputs, Mandatory: mandatory})
	metrics.ObserveSolve(time.Since(started).Seconds(), sol.Attempts, err == nil)
	switch {
	case errors.Is(err, opt.ErrNoRoute):
		return nil, model.Fail(model.ReasonNoRouteFound, "no vehicle can serve the request between %s and %s",
			w.Min.Format(time.RFC3339), w.Max.Format(time.RFC3339))
	case errors.Is(err, opt.ErrSolverInternal):
		return nil, model.Wrap(model.ReasonSolverInternal, err, "route computation failed")
	case err != nil:
		return nil, err
	}
	existing := make(map[string]model.Tour, len(open))
	for _, t := range open {
		existing[t.ID] = t
	}
	c, err := d.layout(ctx, r, sol, existing)
	if err != nil {
		return nil, model.Wrap(model.ReasonSolverInternal, err, "route stitching failed")
	}
	return c, nil
}

// segment is a contiguous run of visits that becomes one tour.
type segment struct {
	lo, hi  int
	tourIDs []string
	request bool
}

// segments groups a vehicle route into tours. Each committed tour and the fresh request span
// the positions of their first and last visit; overlapping spans are merged into one tour.
func segments(r opt.Route) []segment {
	type span struct {
		key    string
		lo, hi int
	}
	var spans []span
	pos := map[string]int{}
	for i, v := range r.Visits {
		if v.Node.Kind != opt.Pickup && v.Node.Kind != opt.Delivery {
			continue
		}
		key := v.Node.TourID
		if !v.Node.Promise {
			key = ""
		}
		if k, ok := pos[key]; ok {
			spans[k].hi = i
			continue
		}
		pos[key] = len(spans)
		spans = append(spans, span{key: key, lo: i, hi: i})
	}
	var out []segment
	for _, s := range spans {
		n := len(out)
		if n > 0 && s.lo <= out[n-1].hi {
			if s.hi > out[n-1].hi {
				out[n-1].hi = s.hi
			}
		} else {
			out = append(out, segment{lo: s.lo, hi: s.hi})
			n++
		}
		if s.key == "" {
			out[n-1].request = true
		} else {
			out[n-1].tourIDs = append(out[n-1].tourIDs, s.key)
		}
	}
	return out
}

// layout turns a solution into tours. Unchanged tours are left out of the candidate.
func (d *Dispatcher) layout(ctx context.Context, r resolved, sol opt.Solution, existing map[string]model.Tour) (*candidate, error) {
	c := &candidate{vehicleID: sol.VehicleID, prior: map[string]bool{}}
	now := time.Now().UTC()
	for _, route := range sol.Routes {
		for _, seg := range segments(route) {
			st, err := d.stitcher.Stitch(ctx, sol.Ref, opt.Route{VehicleID: route.VehicleID, Visits: route.Visits[seg.lo : seg.hi+1]})
			if err != nil {
				return nil, err
			}
			id := uuid.NewString()
			if len(seg.tourIDs) > 0 {
				id = seg.tourIDs[0]
			}
			base, had := existing[id]
			t := model.Tour{
				ID:          id,
				VehicleID:   route.VehicleID,
				CommunityID: r.community(),
				Status:      model.StatusBooked,
				Path:        st.Path,
				CreatedAt:   now,
			}
			if had {
				t.Status, t.CreatedAt = base.Status, base.CreatedAt
				c.prior[id] = true
			}
			passengers(&t, st.Stops)
			if len(seg.tourIDs) > 1 {
				for _, other := range seg.tourIDs[1:] {
					c.deleted = append(c.deleted, other)
					c.prior[other] = true
				}
			}
			if seg.request {
				c.tourID = id
				if p, ok := t.Passenger(r.req.RequestID); ok {
					c.pickup = t.Stops[t.StopIndex(p.BoardingStopID)].Window()
					c.dropoff = t.Stops[t.StopIndex(p.AlightingStopID)].Window()
				}
			} else if had && len(seg.tourIDs) == 1 && sameLayout(base, t) {
				continue
			}
			c.tours = append(c.tours, t)
		}
	}
	if c.tourID == "" {
		return nil, errors.New("solution does not contain the request")
	}
	return c, nil
}

// passengers fills stops and passenger records of t from stitched stops.
func passengers(t *model.Tour, stops []stitch.Stop) {
	byID := map[string]*model.Passenger{}
	var order []string
	for _, s := range stops {
		t.Stops = append(t.Stops, s.Stop)
		for _, v := range s.Visits {
			p, ok := byID[v.Node.Request]
			if !ok {
				p = &model.Passenger{ID: v.Node.Request, Load: v.Node.Delta, GroupID: v.Node.Group}
				byID[p.ID] = p
				order = append(order, p.ID)
			}
			switch v.Node.Kind {
			case opt.Pickup:
				p.BoardingStopID = s.ID
			case opt.Delivery:
				p.AlightingStopID = s.ID
			}
		}
	}
	for _, id := range order {
		t.Passengers = append(t.Passengers, *byID[id])
	}
}

func sameLayout(a, b model.Tour) bool {
	if len(a.Stops) != len(b.Stops) || len(a.Passengers) != len(b.Passengers) {
		return false
	}
	for i := range a.Stops {
		x, y := a.Stops[i], b.Stops[i]
		if x.ID != y.ID || x.NodeID != y.NodeID || !x.TMin.Equal(y.TMin) || !x.TMax.Equal(y.TMax) {
			return false
		}
		if !sameSet(x.Boarding, y.Boarding) || !sameSet(x.Alighting, y.Alighting) {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// commit writes c atomically. Every tour it replaces must still be open.
func (d *Dispatcher) commit(ctx context.Context, r resolved, w model.Window, c *candidate) (Outcome, error) {
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := d.checkDuplicate(ctx, tx, r.req.RequestID); err != nil {
			return err
		}
		for id := range c.prior {
			cur, err := tx.GetTour(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return model.Fail(model.ReasonCommitFailure, "tour %s disappeared before commit", id)
			}
			if err != nil {
				return err
			}
			if cur.Status.Blocking() {
				return model.Fail(model.ReasonCommitFailure, "tour %s became %s before commit", id, cur.Status)
			}
		}
		for _, id := range c.deleted {
			if err := tx.DeleteTour(ctx, id); err != nil {
				return err
			}
		}
		for _, t := range c.tours {
			if err := tx.SaveTour(ctx, t); err != nil {
				if errors.Is(err, model.ErrIntegrity) {
					return model.Wrap(model.ReasonCommitFailure, err, "solution violates a tour invariant")
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		RequestID: r.req.RequestID,
		TourID:    c.tourID,
		VehicleID: c.vehicleID,
		Pickup:    c.pickup,
		Dropoff:   c.dropoff,
		Window:    w,
		FreeSlot:  c.freeSlot,
	}
	for _, t := range c.tours {
		if c.freeSlot || !c.prior[t.ID] {
			continue
		}
		changed := false
		for _, p := range t.Passengers {
			if p.ID == r.req.RequestID {
				continue
			}
			changed = true
			pick, drop := t.Stops[t.StopIndex(p.BoardingStopID)].Window(), t.Stops[t.StopIndex(p.AlightingStopID)].Window()
			d.publish(ctx, model.Event{
				Kind:        model.EventRouteChanged,
				RequestID:   p.ID,
				TourID:      t.ID,
				VehicleID:   t.VehicleID,
				CommunityID: t.CommunityID,
				Pickup:      &pick,
				Dropoff:     &drop,
			})
		}
		if changed {
			out.Changed = append(out.Changed, t.ID)
		}
	}
	log.Debug().Str("request_id", r.req.RequestID).Int("tours", len(c.tours)).Strs("deleted", c.deleted).Msg("commit")
	return out, nil
}
