package availability

import (
	"context"
	"fmt"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// Extractor rebuilds committed passengers as promises so the solver keeps them intact.
type Extractor struct {
	store      store.Store
	lookAround time.Duration
}

func NewExtractor(s store.Store, cfg config.Matching) *Extractor {
	return &Extractor{store: s, lookAround: time.Duration(cfg.LookAroundPromiseHours) * time.Hour}
}

// Promises returns every passenger on a non-blocking tour of vehicleIDs whose tour carries
// at least one passenger boarding within the look-around horizon of ref. Whole tours are
// returned so the solver never splits a partially overlapping tour.
func (e *Extractor) Promises(ctx context.Context, vehicleIDs []string, ref time.Time) ([]model.Moby, error) {
	if len(vehicleIDs) == 0 {
		return nil, nil
	}
	tours, err := e.store.ListTours(ctx, model.TourFilter{
		VehicleIDs: vehicleIDs,
		Statuses:   []model.TourStatus{model.StatusDraft, model.StatusBooked},
	})
	if err != nil {
		return nil, fmt.Errorf("promise tours: %w", err)
	}
	win := model.Window{Min: ref.Add(-e.lookAround), Max: ref.Add(e.lookAround)}
	var out []model.Moby
	for _, t := range tours {
		if !touches(t, win) {
			continue
		}
		for _, p := range t.Passengers {
			m, err := promise(t, p)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func touches(t model.Tour, win model.Window) bool {
	for _, p := range t.Passengers {
		if i := t.StopIndex(p.BoardingStopID); i >= 0 && win.Contains(t.Stops[i].TMin) {
			return true
		}
	}
	return false
}

// PromiseFor rebuilds a single committed passenger.
func PromiseFor(t model.Tour, passengerID string) (model.Moby, error) {
	p, ok := t.Passenger(passengerID)
	if !ok {
		return model.Moby{}, fmt.Errorf("passenger %s not on tour %s: %w", passengerID, t.ID, store.ErrNotFound)
	}
	return promise(t, p)
}

func promise(t model.Tour, p model.Passenger) (model.Moby, error) {
	b, a := t.StopIndex(p.BoardingStopID), t.StopIndex(p.AlightingStopID)
	if b < 0 || a < 0 {
		return model.Moby{}, fmt.Errorf("tour %s passenger %s: %w", t.ID, p.ID, model.ErrIntegrity)
	}
	board, alight := t.Stops[b], t.Stops[a]
	bw, aw := board.Window(), alight.Window()
	return model.Moby{
		RequestID:   p.ID,
		Start:       stationOf(board, t.CommunityID),
		Stop:        stationOf(alight, t.CommunityID),
		StartWindow: &bw,
		StopWindow:  &aw,
		Load:        p.Load,
		GroupID:     p.GroupID,
		Promise:     true,
		VehicleID:   t.VehicleID,
		TourID:      t.ID,

		BoardingStopID:  board.ID,
		AlightingStopID: alight.ID,
	}, nil
}

func stationOf(s model.Stop, community string) model.Station {
	return model.Station{ID: s.StationID, CommunityID: community, NodeID: s.NodeID, Lat: s.Lat, Lon: s.Lon}
}
