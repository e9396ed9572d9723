package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ridepool/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Postgres struct {
	db *sql.DB
	q  querier
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, q: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file of dir in lexical order, each at most once.
func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		var seen string
		err := p.db.QueryRowContext(ctx, `SELECT name FROM schema_migrations WHERE name=$1`, name).Scan(&seen)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, nested := p.q.(*sql.Tx); nested {
		return fn(ctx, p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(ctx, &Postgres{db: p.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Stations

func (p *Postgres) UpsertStation(ctx context.Context, s model.Station) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO stations (id, community_id, name, node_id, lat, lon, mandatory, closing_times, connections)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET community_id=EXCLUDED.community_id, name=EXCLUDED.name, node_id=EXCLUDED.node_id,
			lat=EXCLUDED.lat, lon=EXCLUDED.lon, mandatory=EXCLUDED.mandatory, closing_times=EXCLUDED.closing_times,
			connections=EXCLUDED.connections`,
		s.ID, s.CommunityID, nullIfEmpty(s.Name), s.NodeID, s.Lat, s.Lon, s.Mandatory, toJSON(s.ClosingTimes), toJSON(s.Connections))
	return err
}

func (p *Postgres) DeleteStation(ctx context.Context, id string) error {
	return expectRows(p.q.ExecContext(ctx, `DELETE FROM stations WHERE id=$1`, id))
}

const stationCols = `id, community_id, COALESCE(name,''), node_id, lat, lon, mandatory, closing_times, connections`

func scanStation(sc interface{ Scan(...any) error }) (model.Station, error) {
	var s model.Station
	var closing, conns []byte
	if err := sc.Scan(&s.ID, &s.CommunityID, &s.Name, &s.NodeID, &s.Lat, &s.Lon, &s.Mandatory, &closing, &conns); err != nil {
		return s, err
	}
	if len(closing) > 0 {
		if err := json.Unmarshal(closing, &s.ClosingTimes); err != nil {
			return s, fmt.Errorf("station %s closing times: %w", s.ID, err)
		}
	}
	if len(conns) > 0 {
		if err := json.Unmarshal(conns, &s.Connections); err != nil {
			return s, fmt.Errorf("station %s connections: %w", s.ID, err)
		}
	}
	return s, nil
}

func (p *Postgres) GetStation(ctx context.Context, id string) (model.Station, error) {
	s, err := scanStation(p.q.QueryRowContext(ctx, `SELECT `+stationCols+` FROM stations WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListStations(ctx context.Context, communityID string) ([]model.Station, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+stationCols+` FROM stations WHERE ($1 = '' OR community_id = $1) ORDER BY id`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Station{}
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Vehicles

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	_, err := p.q.ExecContext(ctx, `INSERT INTO vehicles (id, community_id, type, seats, wheelchairs, seats_per_wheelchair)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET community_id=EXCLUDED.community_id, type=EXCLUDED.type, seats=EXCLUDED.seats,
			wheelchairs=EXCLUDED.wheelchairs, seats_per_wheelchair=EXCLUDED.seats_per_wheelchair`,
		v.ID, v.CommunityID, nullIfEmpty(v.Type), v.Capacity.Seats, v.Capacity.Wheelchairs, v.Capacity.SeatsPerWheelchair)
	if err != nil {
		return err
	}
	if v.Position != nil {
		return p.UpdateVehiclePosition(ctx, v.ID, *v.Position, v.PositionAt)
	}
	return nil
}

func (p *Postgres) DeleteVehicle(ctx context.Context, id string) error {
	return expectRows(p.q.ExecContext(ctx, `DELETE FROM vehicles WHERE id=$1`, id))
}

const vehicleCols = `id, community_id, COALESCE(type,''), seats, wheelchairs, seats_per_wheelchair, lat, lon, position_at`

func scanVehicle(sc interface{ Scan(...any) error }) (model.Vehicle, error) {
	var v model.Vehicle
	var lat, lon sql.NullFloat64
	var at sql.NullTime
	if err := sc.Scan(&v.ID, &v.CommunityID, &v.Type, &v.Capacity.Seats, &v.Capacity.Wheelchairs, &v.Capacity.SeatsPerWheelchair, &lat, &lon, &at); err != nil {
		return v, err
	}
	if lat.Valid && lon.Valid {
		v.Position = &model.Position{Lat: lat.Float64, Lon: lon.Float64}
		v.PositionAt = at.Time
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	v, err := scanVehicle(p.q.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (p *Postgres) UpdateVehiclePosition(ctx context.Context, id string, pos model.Position, at time.Time) error {
	res, err := p.q.ExecContext(ctx, `UPDATE vehicles SET lat=$2, lon=$3, position_at=$4
		WHERE id=$1 AND (position_at IS NULL OR position_at <= $4)`, id, pos.Lat, pos.Lon, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		if err := p.q.QueryRowContext(ctx, `SELECT 1 FROM vehicles WHERE id=$1`, id).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) SetAvailability(ctx context.Context, vehicleID string, slots, blockers []model.Interval) error {
	return p.WithTx(ctx, func(ctx context.Context, tx Store) error {
		q := tx.(*Postgres).q
		if _, err := q.ExecContext(ctx, `DELETE FROM vehicle_slots WHERE vehicle_id=$1`, vehicleID); err != nil {
			return err
		}
		insert := func(kind string, list []model.Interval) error {
			for _, iv := range list {
				if _, err := q.ExecContext(ctx, `INSERT INTO vehicle_slots (vehicle_id, kind, start_at, end_at) VALUES ($1,$2,$3,$4)`,
					vehicleID, kind, iv.Start, iv.End); err != nil {
					return err
				}
			}
			return nil
		}
		if err := insert("slot", slots); err != nil {
			return err
		}
		return insert("blocker", blockers)
	})
}

func (p *Postgres) Availability(ctx context.Context, communityID string, from, to time.Time) ([]model.VehicleAvailability, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT v.id, s.kind, s.start_at, s.end_at
		FROM vehicle_slots s JOIN vehicles v ON v.id = s.vehicle_id
		WHERE v.community_id=$1 AND s.end_at >= $2 AND s.start_at <= $3
		ORDER BY v.id, s.start_at`, communityID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byVehicle := map[string]*model.VehicleAvailability{}
	var order []string
	for rows.Next() {
		var id, kind string
		var iv model.Interval
		if err := rows.Scan(&id, &kind, &iv.Start, &iv.End); err != nil {
			return nil, err
		}
		a, ok := byVehicle[id]
		if !ok {
			a = &model.VehicleAvailability{}
			byVehicle[id] = a
			order = append(order, id)
		}
		if kind == "blocker" {
			a.Blockers = append(a.Blockers, iv)
		} else {
			a.Slots = append(a.Slots, iv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := []model.VehicleAvailability{}
	for _, id := range order {
		a := byVehicle[id]
		if len(a.Slots) == 0 {
			continue
		}
		v, err := p.GetVehicle(ctx, id)
		if err != nil {
			return nil, err
		}
		a.Vehicle = v
		out = append(out, *a)
	}
	return out, nil
}

// Tours

func (p *Postgres) SaveTour(ctx context.Context, t model.Tour) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return p.WithTx(ctx, func(ctx context.Context, tx Store) error {
		q := tx.(*Postgres).q
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now().UTC()
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO tours (id, vehicle_id, community_id, status, created_at, path)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET vehicle_id=EXCLUDED.vehicle_id, community_id=EXCLUDED.community_id,
				status=EXCLUDED.status, path=EXCLUDED.path`,
			t.ID, t.VehicleID, t.CommunityID, string(t.Status), t.CreatedAt, toJSON(t.Path)); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM passengers WHERE tour_id=$1`, t.ID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM stops WHERE tour_id=$1`, t.ID); err != nil {
			return err
		}
		for i, s := range t.Stops {
			if _, err := q.ExecContext(ctx, `INSERT INTO stops (id, tour_id, seq, station_id, node_id, lat, lon, t_min, t_max)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (id) DO UPDATE SET tour_id=EXCLUDED.tour_id, seq=EXCLUDED.seq, station_id=EXCLUDED.station_id,
					node_id=EXCLUDED.node_id, lat=EXCLUDED.lat, lon=EXCLUDED.lon, t_min=EXCLUDED.t_min, t_max=EXCLUDED.t_max`,
				s.ID, t.ID, i, nullIfEmpty(s.StationID), s.NodeID, s.Lat, s.Lon, s.TMin, s.TMax); err != nil {
				return err
			}
		}
		for _, ps := range t.Passengers {
			var owner string
			err := q.QueryRowContext(ctx, `SELECT tour_id FROM passengers WHERE id=$1`, ps.ID).Scan(&owner)
			if err == nil && owner != t.ID {
				return fmt.Errorf("passenger %s already on tour %s: %w", ps.ID, owner, model.ErrIntegrity)
			}
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if _, err := q.ExecContext(ctx, `INSERT INTO passengers (id, tour_id, seats, wheelchairs, boarding_stop_id, alighting_stop_id, group_id)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (id) DO UPDATE SET tour_id=EXCLUDED.tour_id, seats=EXCLUDED.seats, wheelchairs=EXCLUDED.wheelchairs,
					boarding_stop_id=EXCLUDED.boarding_stop_id, alighting_stop_id=EXCLUDED.alighting_stop_id, group_id=EXCLUDED.group_id`,
				ps.ID, t.ID, ps.Load.Seats, ps.Load.Wheelchairs, ps.BoardingStopID, ps.AlightingStopID, nullIfEmpty(ps.GroupID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) DeleteTour(ctx context.Context, id string) error {
	return expectRows(p.q.ExecContext(ctx, `DELETE FROM tours WHERE id=$1`, id))
}

func (p *Postgres) ArchiveTour(ctx context.Context, t model.Tour) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, `INSERT INTO tour_archive (id, tour_id, archived_at, body) VALUES ($1,$2,$3,$4)`,
		uuid.New(), t.ID, time.Now().UTC(), body)
	return err
}

func (p *Postgres) GetTour(ctx context.Context, id string) (model.Tour, error) {
	ts, err := p.loadTours(ctx, `WHERE id=$1`, id)
	if err != nil {
		return model.Tour{}, err
	}
	if len(ts) == 0 {
		return model.Tour{}, ErrNotFound
	}
	return ts[0], nil
}

func (p *Postgres) FindTourByPassenger(ctx context.Context, passengerID string) (model.Tour, error) {
	var tourID string
	err := p.q.QueryRowContext(ctx, `SELECT tour_id FROM passengers WHERE id=$1`, passengerID).Scan(&tourID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tour{}, ErrNotFound
	}
	if err != nil {
		return model.Tour{}, err
	}
	return p.GetTour(ctx, tourID)
}

func (p *Postgres) ListTours(ctx context.Context, f model.TourFilter) ([]model.Tour, error) {
	var conds []string
	var args []any
	if f.CommunityID != "" {
		args = append(args, f.CommunityID)
		conds = append(conds, fmt.Sprintf("community_id=$%d", len(args)))
	}
	if len(f.VehicleIDs) > 0 {
		args = append(args, f.VehicleIDs)
		conds = append(conds, fmt.Sprintf("vehicle_id = ANY($%d::text[])", len(args)))
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		args = append(args, st)
		conds = append(conds, fmt.Sprintf("status = ANY($%d::text[])", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	ts, err := p.loadTours(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	out := ts[:0]
	for _, t := range ts {
		if matches(t, f) {
			out = append(out, t)
		}
	}
	sortTours(out)
	return out, nil
}

// loadTours reads tour rows matching where and attaches stops and passengers. Stop boarding
// and alighting sets are rebuilt from the passenger rows.
func (p *Postgres) loadTours(ctx context.Context, where string, args ...any) ([]model.Tour, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT id, vehicle_id, community_id, status, created_at, path FROM tours `+where, args...)
	if err != nil {
		return nil, err
	}
	var tours []model.Tour
	idx := map[string]int{}
	for rows.Next() {
		var t model.Tour
		var status string
		var path []byte
		if err := rows.Scan(&t.ID, &t.VehicleID, &t.CommunityID, &status, &t.CreatedAt, &path); err != nil {
			rows.Close()
			return nil, err
		}
		t.Status = model.TourStatus(status)
		if len(path) > 0 {
			_ = json.Unmarshal(path, &t.Path)
		}
		idx[t.ID] = len(tours)
		tours = append(tours, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tours) == 0 {
		return tours, nil
	}
	ids := make([]string, len(tours))
	for i, t := range tours {
		ids[i] = t.ID
	}

	srows, err := p.q.QueryContext(ctx, `SELECT id, tour_id, COALESCE(station_id,''), node_id, lat, lon, t_min, t_max
		FROM stops WHERE tour_id = ANY($1::text[]) ORDER BY tour_id, seq`, ids)
	if err != nil {
		return nil, err
	}
	for srows.Next() {
		var s model.Stop
		var tourID string
		if err := srows.Scan(&s.ID, &tourID, &s.StationID, &s.NodeID, &s.Lat, &s.Lon, &s.TMin, &s.TMax); err != nil {
			srows.Close()
			return nil, err
		}
		t := &tours[idx[tourID]]
		t.Stops = append(t.Stops, s)
	}
	srows.Close()
	if err := srows.Err(); err != nil {
		return nil, err
	}

	prows, err := p.q.QueryContext(ctx, `SELECT id, tour_id, seats, wheelchairs, boarding_stop_id, alighting_stop_id, COALESCE(group_id,'')
		FROM passengers WHERE tour_id = ANY($1::text[]) ORDER BY tour_id, id`, ids)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var ps model.Passenger
		var tourID string
		if err := prows.Scan(&ps.ID, &tourID, &ps.Load.Seats, &ps.Load.Wheelchairs, &ps.BoardingStopID, &ps.AlightingStopID, &ps.GroupID); err != nil {
			return nil, err
		}
		t := &tours[idx[tourID]]
		t.Passengers = append(t.Passengers, ps)
		if i := t.StopIndex(ps.BoardingStopID); i >= 0 {
			t.Stops[i].Boarding = append(t.Stops[i].Boarding, ps.ID)
		}
		if i := t.StopIndex(ps.AlightingStopID); i >= 0 {
			t.Stops[i].Alighting = append(t.Stops[i].Alighting, ps.ID)
		}
	}
	return tours, prows.Err()
}

func expectRows(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return b
}
