package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type TourStatus string

const (
	StatusDraft    TourStatus = "draft"
	StatusBooked   TourStatus = "booked"
	StatusFrozen   TourStatus = "frozen"
	StatusStarted  TourStatus = "started"
	StatusFinished TourStatus = "finished"
)

var statusRank = map[TourStatus]int{
	StatusDraft:    0,
	StatusBooked:   1,
	StatusFrozen:   2,
	StatusStarted:  3,
	StatusFinished: 4,
}

func (s TourStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Blocking tours must not be algorithmically altered.
func (s TourStatus) Blocking() bool {
	return s == StatusFrozen || s == StatusStarted || s == StatusFinished
}

// CanTransition reports whether s may move to next. The lifecycle only moves forward.
func (s TourStatus) CanTransition(next TourStatus) bool {
	a, ok1 := statusRank[s]
	b, ok2 := statusRank[next]
	return ok1 && ok2 && b > a
}

// ErrIntegrity marks data-integrity violations, as opposed to user errors.
var ErrIntegrity = errors.New("data integrity violation")

// SortStops orders stops by TMin, keeping the relative order of equal windows.
func (t *Tour) SortStops() {
	sort.SliceStable(t.Stops, func(i, j int) bool { return t.Stops[i].TMin.Before(t.Stops[j].TMin) })
}

func (t Tour) StopIndex(id string) int {
	for i := range t.Stops {
		if t.Stops[i].ID == id {
			return i
		}
	}
	return -1
}

func (t Tour) Passenger(id string) (Passenger, bool) {
	for _, p := range t.Passengers {
		if p.ID == id {
			return p, true
		}
	}
	return Passenger{}, false
}

// Start returns the first stop's TMin, or fallback for a tour without stops.
func (t Tour) Start(fallback time.Time) time.Time {
	if len(t.Stops) == 0 {
		return fallback
	}
	return t.Stops[0].TMin
}

// End returns the last stop's TMax, or fallback for a tour without stops.
func (t Tour) End(fallback time.Time) time.Time {
	if len(t.Stops) == 0 {
		return fallback
	}
	return t.Stops[len(t.Stops)-1].TMax
}

// Validate checks the same-tour invariant: every passenger boards and alights at stops of
// this tour, boarding first, and the stop passenger sets agree with the passenger records.
func (t Tour) Validate() error {
	idx := make(map[string]int, len(t.Stops))
	for i, s := range t.Stops {
		idx[s.ID] = i
	}
	for _, p := range t.Passengers {
		b, ok := idx[p.BoardingStopID]
		if !ok {
			return fmt.Errorf("tour %s: passenger %s boards at foreign stop %s: %w", t.ID, p.ID, p.BoardingStopID, ErrIntegrity)
		}
		a, ok := idx[p.AlightingStopID]
		if !ok {
			return fmt.Errorf("tour %s: passenger %s alights at foreign stop %s: %w", t.ID, p.ID, p.AlightingStopID, ErrIntegrity)
		}
		if a <= b {
			return fmt.Errorf("tour %s: passenger %s alights before boarding: %w", t.ID, p.ID, ErrIntegrity)
		}
		if !contains(t.Stops[b].Boarding, p.ID) || !contains(t.Stops[a].Alighting, p.ID) {
			return fmt.Errorf("tour %s: passenger %s missing from stop sets: %w", t.ID, p.ID, ErrIntegrity)
		}
	}
	return nil
}

// Loads returns the cumulative on-board load after each stop.
func (t Tour) Loads() []Load {
	byID := make(map[string]Load, len(t.Passengers))
	for _, p := range t.Passengers {
		byID[p.ID] = p.Load
	}
	out := make([]Load, len(t.Stops))
	var cur Load
	for i, s := range t.Stops {
		for _, id := range s.Alighting {
			cur = cur.Sub(byID[id])
		}
		for _, id := range s.Boarding {
			cur = cur.Add(byID[id])
		}
		out[i] = cur
	}
	return out
}

// RemovePassenger drops the passenger and its stop references and prunes stops left empty.
func (t *Tour) RemovePassenger(id string) bool {
	found := false
	kept := make([]Passenger, 0, len(t.Passengers))
	for _, p := range t.Passengers {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	t.Passengers = kept
	if !found {
		return false
	}
	for i := range t.Stops {
		t.Stops[i].Boarding = without(t.Stops[i].Boarding, id)
		t.Stops[i].Alighting = without(t.Stops[i].Alighting, id)
	}
	t.PruneEmptyStops()
	return true
}

// PruneEmptyStops removes stops with no boarding and no alighting passengers.
func (t *Tour) PruneEmptyStops() int {
	kept := make([]Stop, 0, len(t.Stops))
	removed := 0
	for _, s := range t.Stops {
		if s.Empty() {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	t.Stops = kept
	return removed
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Clone returns a deep copy so callers may mutate stops and passengers freely.
func (t Tour) Clone() Tour {
	out := t
	out.Stops = make([]Stop, len(t.Stops))
	for i, s := range t.Stops {
		s.Boarding = append([]string(nil), s.Boarding...)
		s.Alighting = append([]string(nil), s.Alighting...)
		out.Stops[i] = s
	}
	out.Passengers = append([]Passenger(nil), t.Passengers...)
	out.Path = append([]PathPoint(nil), t.Path...)
	return out
}
