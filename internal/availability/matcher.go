// Package availability decides which vehicles can serve a request at a given time and which
// committed passengers the solver has to keep.
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// VehicleWindow is a vehicle together with the usable work window containing the instant.
type VehicleWindow struct {
	Vehicle model.Vehicle
	Window  model.Interval
}

// Match is the availability result for one candidate instant.
type Match struct {
	Instant   time.Time
	Vehicles  []VehicleWindow
	InBlocker bool
	// TooSmall lists vehicles that are available but cannot take the load.
	TooSmall []model.Vehicle
}

type Matcher struct {
	store      store.Store
	lookAround time.Duration
	buffer     time.Duration
}

func NewMatcher(s store.Store, cfg config.Matching) *Matcher {
	return &Matcher{
		store:      s,
		lookAround: time.Duration(cfg.LookAroundAvailabilityHours) * time.Hour,
		buffer:     config.Minutes(cfg.ReservationBufferMinutes),
	}
}

// Match evaluates every instant against the community's availability feed after carving out
// time already reserved by blocking tours.
func (m *Matcher) Match(ctx context.Context, community string, instants []time.Time, load model.Load) ([]Match, error) {
	if len(instants) == 0 {
		return nil, nil
	}
	lo, hi := instants[0], instants[0]
	for _, t := range instants[1:] {
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}
	from, to := lo.Add(-m.lookAround), hi.Add(m.lookAround)

	feed, err := m.store.Availability(ctx, community, from, to)
	if err != nil {
		return nil, fmt.Errorf("availability feed: %w", err)
	}
	blocking, err := m.store.ListTours(ctx, model.TourFilter{
		CommunityID: community,
		Statuses:    []model.TourStatus{model.StatusFrozen, model.StatusStarted, model.StatusFinished},
		From:        from.Add(-m.buffer),
		To:          to.Add(m.buffer),
	})
	if err != nil {
		return nil, fmt.Errorf("blocking tours: %w", err)
	}
	reserved := map[string][]model.Interval{}
	for _, t := range blocking {
		if len(t.Stops) == 0 {
			continue
		}
		reserved[t.VehicleID] = append(reserved[t.VehicleID], model.Interval{
			Start: t.Stops[0].TMin.Add(-m.buffer),
			End:   t.Stops[len(t.Stops)-1].TMax.Add(m.buffer),
		})
	}
	sort.Slice(feed, func(i, j int) bool { return feed[i].Vehicle.ID < feed[j].Vehicle.ID })

	out := make([]Match, len(instants))
	for i, at := range instants {
		res := Match{Instant: at}
		point := model.Interval{Start: at, End: at}
		for _, va := range feed {
			if _, ok := covering(va.Slots, point); !ok {
				continue
			}
			if blockedAt(va.Blockers, at) {
				res.InBlocker = true
				continue
			}
			usable, ok := covering(Subtract(va.Slots, reserved[va.Vehicle.ID]), point)
			if !ok {
				continue
			}
			if !va.Vehicle.Capacity.Fits(load) {
				res.TooSmall = append(res.TooSmall, va.Vehicle)
				continue
			}
			res.Vehicles = append(res.Vehicles, VehicleWindow{Vehicle: va.Vehicle, Window: usable})
		}
		out[i] = res
	}
	return out, nil
}

func blockedAt(blockers []model.Interval, at time.Time) bool {
	for _, b := range blockers {
		if b.Contains(at) {
			return true
		}
	}
	return false
}
