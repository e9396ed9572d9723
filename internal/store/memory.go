package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ridepool/internal/model"
)

// Memory is an in-memory store used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	stations map[string]model.Station
	vehicles map[string]model.Vehicle
	slots    map[string]availability
	tours    map[string]model.Tour
	archive  []model.Tour
}

type availability struct {
	slots, blockers []model.Interval
}

func NewMemory() *Memory {
	return &Memory{
		stations: map[string]model.Station{},
		vehicles: map[string]model.Vehicle{},
		slots:    map[string]availability{},
		tours:    map[string]model.Tour{},
	}
}

func (m *Memory) UpsertStation(_ context.Context, s model.Station) error {
	if s.ID == "" {
		return fmt.Errorf("station id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[s.ID] = cloneStation(s)
	return nil
}

func (m *Memory) DeleteStation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stations[id]; !ok {
		return ErrNotFound
	}
	delete(m.stations, id)
	return nil
}

func (m *Memory) GetStation(_ context.Context, id string) (model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[id]
	if !ok {
		return model.Station{}, ErrNotFound
	}
	return cloneStation(s), nil
}

func (m *Memory) ListStations(_ context.Context, communityID string) ([]model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Station{}
	for _, s := range m.stations {
		if communityID == "" || s.CommunityID == communityID {
			out = append(out, cloneStation(s))
		}
	}
	return out, nil
}

func (m *Memory) UpsertVehicle(_ context.Context, v model.Vehicle) error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.vehicles[v.ID]; ok && v.Position == nil {
		v.Position, v.PositionAt = old.Position, old.PositionAt
	}
	m.vehicles[v.ID] = v
	return nil
}

func (m *Memory) DeleteVehicle(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[id]; !ok {
		return ErrNotFound
	}
	delete(m.vehicles, id)
	delete(m.slots, id)
	return nil
}

func (m *Memory) GetVehicle(_ context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) UpdateVehiclePosition(_ context.Context, id string, pos model.Position, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	if !v.PositionAt.IsZero() && at.Before(v.PositionAt) {
		return nil
	}
	p := pos
	v.Position, v.PositionAt = &p, at
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SetAvailability(_ context.Context, vehicleID string, slots, blockers []model.Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[vehicleID]; !ok {
		return ErrNotFound
	}
	m.slots[vehicleID] = availability{
		slots:    append([]model.Interval(nil), slots...),
		blockers: append([]model.Interval(nil), blockers...),
	}
	return nil
}

func (m *Memory) Availability(_ context.Context, communityID string, from, to time.Time) ([]model.VehicleAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.VehicleAvailability{}
	for id, v := range m.vehicles {
		if v.CommunityID != communityID {
			continue
		}
		a := m.slots[id]
		slots := overlapping(a.slots, from, to)
		if len(slots) == 0 {
			continue
		}
		out = append(out, model.VehicleAvailability{Vehicle: v, Slots: slots, Blockers: overlapping(a.blockers, from, to)})
	}
	return out, nil
}

func (m *Memory) GetTour(_ context.Context, id string) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[id]
	if !ok {
		return model.Tour{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) ListTours(_ context.Context, f model.TourFilter) ([]model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Tour{}
	for _, t := range m.tours {
		if matches(t, f) {
			out = append(out, t.Clone())
		}
	}
	sortTours(out)
	return out, nil
}

func (m *Memory) SaveTour(_ context.Context, t model.Tour) error {
	if t.ID == "" {
		return fmt.Errorf("tour id required")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.tours {
		if id == t.ID {
			continue
		}
		for _, p := range t.Passengers {
			if _, dup := other.Passenger(p.ID); dup {
				return fmt.Errorf("passenger %s already on tour %s: %w", p.ID, id, model.ErrIntegrity)
			}
		}
	}
	m.tours[t.ID] = t.Clone()
	return nil
}

func (m *Memory) DeleteTour(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tours[id]; !ok {
		return ErrNotFound
	}
	delete(m.tours, id)
	return nil
}

func (m *Memory) ArchiveTour(_ context.Context, t model.Tour) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = append(m.archive, t.Clone())
	return nil
}

// Archived returns archived tours in archive order.
func (m *Memory) Archived() []model.Tour {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Tour, len(m.archive))
	for i, t := range m.archive {
		out[i] = t.Clone()
	}
	return out
}

func (m *Memory) FindTourByPassenger(_ context.Context, passengerID string) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tours {
		if _, ok := t.Passenger(passengerID); ok {
			return t.Clone(), nil
		}
	}
	return model.Tour{}, ErrNotFound
}

// WithTx serialises transactions. Writes made through tx are logged and undone in reverse order
// when fn fails; writes made directly on m meanwhile are left alone.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	tx := &memTx{Memory: m}
	if err := fn(ctx, tx); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the Store handed to WithTx callbacks.
type memTx struct {
	*Memory
	undo []func()
}

// keep records the current value of id in table so a rollback can put it back.
func keep[V any](tx *memTx, table map[string]V, id string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	old, had := table[id]
	tx.undo = append(tx.undo, func() {
		if had {
			table[id] = old
		} else {
			delete(table, id)
		}
	})
}

func (tx *memTx) UpsertStation(ctx context.Context, s model.Station) error {
	keep(tx, tx.stations, s.ID)
	return tx.Memory.UpsertStation(ctx, s)
}

func (tx *memTx) DeleteStation(ctx context.Context, id string) error {
	keep(tx, tx.stations, id)
	return tx.Memory.DeleteStation(ctx, id)
}

func (tx *memTx) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	keep(tx, tx.vehicles, v.ID)
	return tx.Memory.UpsertVehicle(ctx, v)
}

func (tx *memTx) DeleteVehicle(ctx context.Context, id string) error {
	keep(tx, tx.vehicles, id)
	keep(tx, tx.slots, id)
	return tx.Memory.DeleteVehicle(ctx, id)
}

func (tx *memTx) UpdateVehiclePosition(ctx context.Context, id string, pos model.Position, at time.Time) error {
	keep(tx, tx.vehicles, id)
	return tx.Memory.UpdateVehiclePosition(ctx, id, pos, at)
}

func (tx *memTx) SetAvailability(ctx context.Context, vehicleID string, slots, blockers []model.Interval) error {
	keep(tx, tx.slots, vehicleID)
	return tx.Memory.SetAvailability(ctx, vehicleID, slots, blockers)
}

func (tx *memTx) SaveTour(ctx context.Context, t model.Tour) error {
	keep(tx, tx.tours, t.ID)
	return tx.Memory.SaveTour(ctx, t)
}

func (tx *memTx) DeleteTour(ctx context.Context, id string) error {
	keep(tx, tx.tours, id)
	return tx.Memory.DeleteTour(ctx, id)
}

func (tx *memTx) ArchiveTour(ctx context.Context, t model.Tour) error {
	tx.mu.Lock()
	n := len(tx.archive)
	tx.archive = append(tx.archive, t.Clone())
	tx.undo = append(tx.undo, func() {
		tx.archive = append(tx.archive[:n], tx.archive[n+1:]...)
	})
	tx.mu.Unlock()
	return nil
}

// WithTx on a running transaction joins it.
func (tx *memTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, tx)
}

func cloneStation(s model.Station) model.Station {
	s.ClosingTimes = append([]model.Interval(nil), s.ClosingTimes...)
	s.Connections = append([]model.Connection(nil), s.Connections...)
	return s
}
