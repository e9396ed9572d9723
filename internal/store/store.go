package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"ridepool/internal/model"
)

// Store is the persistence interface used by the dispatcher, the lifecycle jobs and the API.
type Store interface {
	// Stations
	UpsertStation(ctx context.Context, s model.Station) error
	DeleteStation(ctx context.Context, id string) error
	GetStation(ctx context.Context, id string) (model.Station, error)
	ListStations(ctx context.Context, communityID string) ([]model.Station, error)

	// Vehicles and availability
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
	DeleteVehicle(ctx context.Context, id string) error
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	UpdateVehiclePosition(ctx context.Context, id string, pos model.Position, at time.Time) error
	SetAvailability(ctx context.Context, vehicleID string, slots, blockers []model.Interval) error
	Availability(ctx context.Context, communityID string, from, to time.Time) ([]model.VehicleAvailability, error)

	// Tours
	GetTour(ctx context.Context, id string) (model.Tour, error)
	ListTours(ctx context.Context, f model.TourFilter) ([]model.Tour, error)
	SaveTour(ctx context.Context, t model.Tour) error
	DeleteTour(ctx context.Context, id string) error
	ArchiveTour(ctx context.Context, t model.Tour) error
	FindTourByPassenger(ctx context.Context, passengerID string) (model.Tour, error)

	// WithTx runs fn atomically; every write made through tx is undone when fn fails.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

var ErrNotFound = errors.New("not found")

// matches reports whether t passes every non-zero field of f.
func matches(t model.Tour, f model.TourFilter) bool {
	if f.CommunityID != "" && t.CommunityID != f.CommunityID {
		return false
	}
	if len(f.VehicleIDs) > 0 && !containsString(f.VehicleIDs, t.VehicleID) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == t.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		if len(t.Stops) == 0 {
			return false
		}
		if !f.To.IsZero() && t.Stops[0].TMin.After(f.To) {
			return false
		}
		if !f.From.IsZero() && t.Stops[len(t.Stops)-1].TMax.Before(f.From) {
			return false
		}
	}
	return true
}

func sortTours(ts []model.Tour) {
	epoch := time.Unix(0, 0)
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i].Start(epoch), ts[j].Start(epoch)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ts[i].ID < ts[j].ID
	})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func overlapping(list []model.Interval, from, to time.Time) []model.Interval {
	var out []model.Interval
	q := model.Interval{Start: from, End: to}
	for _, iv := range list {
		if iv.Overlaps(q) {
			out = append(out, iv)
		}
	}
	return out
}
