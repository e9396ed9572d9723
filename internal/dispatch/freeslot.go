package dispatch

import (
	"ridepool/internal/model"
)

// FreeSlot is an existing tour that already passes both stations of a request in the right
// order with room for its load.
type FreeSlot struct {
	Tour      model.Tour
	BoardIdx  int
	AlightIdx int
}

// FindFreeSlot scans tours in order and returns the first free slot for m. capacities maps
// vehicle ids to their capacity; tours of vehicles missing from it are skipped. Blocking tours
// are never considered.
func FindFreeSlot(tours []model.Tour, m model.Moby, capacities map[string]model.Capacity) (FreeSlot, bool) {
	for _, t := range tours {
		if t.Status.Blocking() || len(t.Stops) < 2 {
			continue
		}
		c, ok := capacities[t.VehicleID]
		if !ok {
			continue
		}
		if !couldServe(t, m) {
			continue
		}
		loads := t.Loads()
		for b := 0; b < len(t.Stops)-1; b++ {
			if !atStation(t.Stops[b], m.Start) {
				continue
			}
			if m.StartWindow != nil && !t.Stops[b].Window().Overlaps(*m.StartWindow) {
				continue
			}
			for a := b + 1; a < len(t.Stops); a++ {
				if !fits(c, loads[b:a], m.Load) {
					break
				}
				if !atStation(t.Stops[a], m.Stop) {
					continue
				}
				if m.StopWindow != nil && !t.Stops[a].Window().Overlaps(*m.StopWindow) {
					continue
				}
				return FreeSlot{Tour: t, BoardIdx: b, AlightIdx: a}, true
			}
		}
	}
	return FreeSlot{}, false
}

// couldServe rejects tours whose first and last stop cannot bracket the request window.
func couldServe(t model.Tour, m model.Moby) bool {
	span := model.Window{Min: t.Stops[0].TMin, Max: t.Stops[len(t.Stops)-1].TMax}
	if m.StartWindow != nil && !span.Overlaps(*m.StartWindow) {
		return false
	}
	if m.StopWindow != nil && !span.Overlaps(*m.StopWindow) {
		return false
	}
	return true
}

func atStation(s model.Stop, st model.Station) bool {
	if s.StationID != "" && st.ID != "" {
		return s.StationID == st.ID
	}
	return s.NodeID == st.NodeID
}

// fits checks the on-board load after each stop from boarding up to, not including, alighting.
func fits(c model.Capacity, loads []model.Load, extra model.Load) bool {
	for _, l := range loads {
		if !c.Fits(l.Add(extra)) {
			return false
		}
	}
	return true
}

// Apply books the passenger into the slot and returns the updated tour.
func (f FreeSlot) Apply(m model.Moby) model.Tour {
	t := f.Tour.Clone()
	t.Stops[f.BoardIdx].Boarding = append(t.Stops[f.BoardIdx].Boarding, m.RequestID)
	t.Stops[f.AlightIdx].Alighting = append(t.Stops[f.AlightIdx].Alighting, m.RequestID)
	t.Passengers = append(t.Passengers, model.Passenger{
		ID:              m.RequestID,
		Load:            m.Load,
		BoardingStopID:  t.Stops[f.BoardIdx].ID,
		AlightingStopID: t.Stops[f.AlightIdx].ID,
		GroupID:         m.GroupID,
	})
	return t
}
