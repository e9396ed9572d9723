package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// Split detaches the rest of an open tour wherever the vehicle runs empty and the next stop is
// at least the split margin away. Moved passengers are re-announced against their new tour.
func (j *Jobs) Split(ctx context.Context) (Report, error) {
	margin := config.Minutes(j.cfg.SplitMarginMinutes)
	tours, err := j.store.ListTours(ctx, model.TourFilter{Statuses: openStatuses})
	if err != nil {
		return Report{Job: "split"}, fmt.Errorf("list tours: %w", err)
	}
	var moved []model.Tour
	var mu sync.Mutex
	rep := j.each(ctx, "split", tours, func(ctx context.Context, t model.Tour) (bool, error) {
		return j.mutate(ctx, t.ID, openStatuses, func(ctx context.Context, tx store.Store, t *model.Tour) (bool, error) {
			pieces := splitTour(*t, margin)
			if len(pieces) < 2 {
				return false, nil
			}
			// the old tour is written first so moved passengers are never on two tours
			for _, p := range pieces {
				if err := tx.SaveTour(ctx, p); err != nil {
					return false, fmt.Errorf("save %s: %w", p.ID, err)
				}
			}
			mu.Lock()
			moved = append(moved, pieces[1:]...)
			mu.Unlock()
			return true, nil
		})
	})
	for _, t := range moved {
		for _, p := range t.Passengers {
			pick := t.Stops[t.StopIndex(p.BoardingStopID)].Window()
			drop := t.Stops[t.StopIndex(p.AlightingStopID)].Window()
			j.publish(ctx, model.Event{
				Kind:        model.EventRouteChanged,
				RequestID:   p.ID,
				TourID:      t.ID,
				VehicleID:   t.VehicleID,
				CommunityID: t.CommunityID,
				Pickup:      &pick,
				Dropoff:     &drop,
				Message:     "split",
			})
		}
	}
	return rep, nil
}

// splitTour cuts t after every stop, other than the first, where the vehicle becomes empty and
// the following stop starts at least margin later. The first piece keeps t's id.
func splitTour(t model.Tour, margin time.Duration) []model.Tour {
	loads := t.Loads()
	var cuts []int
	for i := 1; i < len(t.Stops)-1; i++ {
		if loads[i].Empty() && t.Stops[i+1].TMin.Sub(t.Stops[i].TMax) >= margin {
			cuts = append(cuts, i+1)
		}
	}
	if len(cuts) == 0 {
		return []model.Tour{t}
	}
	bounds := append([]int{0}, cuts...)
	bounds = append(bounds, len(t.Stops))
	pieces := make([]model.Tour, len(bounds)-1)
	owner := map[string]int{}
	for k := range pieces {
		p := t
		if k > 0 {
			p.ID = uuid.NewString()
		}
		p.Stops = append([]model.Stop(nil), t.Stops[bounds[k]:bounds[k+1]]...)
		p.Passengers, p.Path = nil, nil
		for _, s := range p.Stops {
			owner[s.ID] = k
		}
		pieces[k] = p
	}
	for _, pa := range t.Passengers {
		k := owner[pa.BoardingStopID]
		pieces[k].Passengers = append(pieces[k].Passengers, pa)
	}
	// the empty drive towards a piece's first stop belongs to that piece
	for _, pt := range t.Path {
		k := 0
		for k+1 < len(pieces) && pt.Time.After(t.Stops[bounds[k+1]-1].TMax) {
			k++
		}
		pieces[k].Path = append(pieces[k].Path, pt)
	}
	return pieces
}
