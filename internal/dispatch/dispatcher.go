// Package dispatch runs a ride request through planning, availability, the free-slot fast
// path and the solver, then commits or rejects it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ridepool/internal/availability"
	"ridepool/internal/config"
	"ridepool/internal/metrics"
	"ridepool/internal/model"
	"ridepool/internal/opt"
	"ridepool/internal/plan"
	"ridepool/internal/routing"
	"ridepool/internal/stations"
	"ridepool/internal/stitch"
	"ridepool/internal/store"
)

// Publisher announces outbound events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Request is one ride request as received from the API or the broker.
type Request struct {
	RequestID string         `json:"requestId"`
	From      model.Position `json:"from"`
	To        model.Position `json:"to"`
	Time      time.Time      `json:"time"`
	Anchor    plan.Anchor    `json:"-"`
	Mode      plan.Mode      `json:"-"`
	Load      model.Load     `json:"load"`
	GroupID   string         `json:"groupId,omitempty"`
}

// Outcome describes a committed booking.
type Outcome struct {
	RequestID string       `json:"requestId"`
	TourID    string       `json:"tourId"`
	VehicleID string       `json:"vehicleId"`
	Pickup    model.Window `json:"pickup"`
	Dropoff   model.Window `json:"dropoff"`
	Window    model.Window `json:"window"`
	FreeSlot  bool         `json:"freeSlot"`
	Changed   []string     `json:"changedTours,omitempty"`
}

// WindowResult is the check-only verdict for one searched window.
type WindowResult struct {
	Window    model.Window  `json:"window"`
	OK        bool          `json:"ok"`
	Reason    model.Reason  `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
	VehicleID string        `json:"vehicleId,omitempty"`
	Pickup    *model.Window `json:"pickup,omitempty"`
	Dropoff   *model.Window `json:"dropoff,omitempty"`
}

type CheckResult struct {
	RequestID         string         `json:"requestId"`
	OriginalTimeFound bool           `json:"originalTimeFound"`
	Results           []WindowResult `json:"results"`
}

type Dispatcher struct {
	store     store.Store
	stations  *stations.Directory
	planner   *plan.Planner
	matcher   *availability.Matcher
	extractor *availability.Extractor
	solver    *opt.Solver
	stitcher  *stitch.Stitcher
	publisher Publisher
	cfg       config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires a dispatcher. cache may be nil.
func New(cfg config.Config, s store.Store, roads routing.MapProvider, cache routing.PairCache, pub Publisher) *Dispatcher {
	sc := cfg.Solver
	return &Dispatcher{
		store:     s,
		stations:  stations.New(s, roads, cfg.Stations),
		planner:   plan.New(cfg.Planner),
		matcher:   availability.NewMatcher(s, cfg.Matching),
		extractor: availability.NewExtractor(s, cfg.Matching),
		solver: &opt.Solver{
			Provider: roads,
			Cache:    cache,
			Options: opt.Options{
				LoadedArcWeight:   sc.LoadedArcWeight,
				GroupPenalty:      float64(sc.GroupPenalty),
				WheelchairService: sc.WheelchairServiceMinutes,
				ConnectionMargin:  sc.ConnectionMarginMinutes,
				Transfer:          sc.TransferMinutes,
				DrivingTimeFactor: sc.DrivingTimeFactor,
			},
			Slack: opt.SlackPolicy{Base: sc.SlackBaseMinutes, Factor: sc.SlackFactor, Max: sc.SlackMaxMinutes, Steps: sc.SlackSteps},
		},
		stitcher:  &stitch.Stitcher{Provider: roads, StopSlack: config.Minutes(sc.StopSlackMinutes), Factor: sc.DrivingTimeFactor},
		publisher: pub,
		cfg:       cfg,
		locks:     map[string]*sync.Mutex{},
	}
}

// Planner exposes the window planner so callers can inject a clock.
func (d *Dispatcher) Planner() *plan.Planner { return d.planner }

func (d *Dispatcher) communityLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

// resolved is a request after validation, station lookup and window planning.
type resolved struct {
	req      Request
	from, to model.Station
	windows  []model.Window
}

func (r resolved) community() string { return r.from.CommunityID }

func (r resolved) moby(w model.Window) model.Moby {
	m := model.Moby{RequestID: r.req.RequestID, Start: r.from, Stop: r.to, Load: r.req.Load, GroupID: r.req.GroupID}
	if r.req.Anchor == plan.Arrival {
		m.StopWindow = &w
	} else {
		m.StartWindow = &w
	}
	return m
}

// Book runs the full pipeline and commits the first window that can be served.
func (d *Dispatcher) Book(ctx context.Context, req Request) (Outcome, error) {
	logger := log.With().Str("request_id", req.RequestID).Logger()
	r, err := d.resolve(ctx, req)
	if err != nil {
		return Outcome{}, d.reject(ctx, req, r, err)
	}
	logger = logger.With().Str("community", r.community()).Logger()

	lock := d.communityLock(r.community())
	lock.Lock()
	defer lock.Unlock()

	if err := d.checkDuplicate(ctx, d.store, req.RequestID); err != nil {
		return Outcome{}, d.reject(ctx, req, r, err)
	}
	var out Outcome
	err = d.search(ctx, r, func(_ int, w model.Window, c *candidate) bool {
		o, err := d.commit(ctx, r, w, c)
		if err != nil {
			c.err = err
			return false
		}
		out = o
		return true
	}, nil)
	if err != nil {
		return Outcome{}, d.reject(ctx, req, r, err)
	}
	metrics.DispatchOutcomes.WithLabelValues("book", "ok").Inc()
	logger.Info().Str("tour", out.TourID).Str("vehicle", out.VehicleID).Bool("free_slot", out.FreeSlot).Msg("request booked")
	d.publish(ctx, model.Event{
		Kind:        model.EventRouteConfirmed,
		RequestID:   out.RequestID,
		TourID:      out.TourID,
		VehicleID:   out.VehicleID,
		CommunityID: r.community(),
		Pickup:      &out.Pickup,
		Dropoff:     &out.Dropoff,
	})
	return out, nil
}

// Check evaluates the request without committing. The primary window is evaluated first; when
// it succeeds no alternative is tried.
func (d *Dispatcher) Check(ctx context.Context, req Request) (CheckResult, error) {
	res := CheckResult{RequestID: req.RequestID}
	r, err := d.resolve(ctx, req)
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("check", string(model.ReasonOf(err))).Inc()
		return res, d.classify(req, r, err)
	}
	if err := d.checkDuplicate(ctx, d.store, req.RequestID); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("check", string(model.ReasonOf(err))).Inc()
		return res, err
	}
	err = d.search(ctx, r, func(i int, w model.Window, c *candidate) bool {
		wr := WindowResult{Window: w, OK: true, VehicleID: c.vehicleID}
		wr.Pickup, wr.Dropoff = &c.pickup, &c.dropoff
		res.Results = append(res.Results, wr)
		if i == 0 {
			res.OriginalTimeFound = true
			return true
		}
		return false
	}, func(w model.Window, err error) {
		res.Results = append(res.Results, WindowResult{Window: w, Reason: model.ReasonOf(err), Message: errMessage(err)})
	})
	ok := false
	for _, wr := range res.Results {
		ok = ok || wr.OK
	}
	if !ok {
		err = d.classify(req, r, err)
		metrics.DispatchOutcomes.WithLabelValues("check", string(model.ReasonOf(err))).Inc()
		return res, err
	}
	metrics.DispatchOutcomes.WithLabelValues("check", "ok").Inc()
	return res, nil
}

func errMessage(err error) string {
	var de *model.DispatchError
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// Community resolves the stations of req and returns the community they belong to.
func (d *Dispatcher) Community(ctx context.Context, req Request) (string, error) {
	r, err := d.resolve(ctx, req)
	if err != nil {
		return "", err
	}
	return r.community(), nil
}

func (d *Dispatcher) resolve(ctx context.Context, req Request) (resolved, error) {
	r := resolved{req: req}
	if err := validate(req); err != nil {
		return r, err
	}
	from, _, err := d.stations.Nearest(ctx, req.From)
	if err != nil {
		if errors.Is(err, stations.ErrNoStation) {
			return r, model.Fail(model.ReasonNoStop, "no station near the start %.5f,%.5f", req.From.Lat, req.From.Lon)
		}
		return r, err
	}
	r.from = from
	to, _, err := d.stations.Nearest(ctx, req.To)
	if err != nil {
		if errors.Is(err, stations.ErrNoStation) {
			return r, model.Fail(model.ReasonNoStop, "no station near the destination %.5f,%.5f", req.To.Lat, req.To.Lon)
		}
		return r, err
	}
	r.to = to
	if from.CommunityID == "" || from.CommunityID != to.CommunityID {
		return r, model.Fail(model.ReasonCommunityConflict, "start station %s (%s) and destination %s (%s) are in different communities",
			from.ID, from.CommunityID, to.ID, to.CommunityID)
	}
	if from.ID == to.ID || stations.Distance(from, to) <= d.cfg.Stations.SameStopToleranceMeters {
		return r, model.Fail(model.ReasonSameStop, "start and destination resolve to the same station %s", from.ID)
	}
	r.windows, err = d.planner.Plan(req.Time, req.Anchor, req.Mode)
	return r, err
}

func validate(req Request) error {
	switch {
	case req.RequestID == "":
		return model.Fail(model.ReasonInvalidRequest, "request id is required")
	case req.Load.Seats < 0 || req.Load.Wheelchairs < 0 || req.Load.Empty():
		return model.Fail(model.ReasonInvalidRequest, "load must book at least one seat or wheelchair place")
	case !validPosition(req.From) || !validPosition(req.To):
		return model.Fail(model.ReasonInvalidRequest, "coordinates out of range")
	case req.Time.IsZero():
		return model.Fail(model.ReasonInvalidRequest, "time is required")
	}
	return nil
}

func validPosition(p model.Position) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lon) && p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (d *Dispatcher) checkDuplicate(ctx context.Context, s store.Store, requestID string) error {
	t, err := s.FindTourByPassenger(ctx, requestID)
	switch {
	case err == nil:
		return model.Fail(model.ReasonDuplicateRequest, "request %s is already booked on tour %s", requestID, t.ID)
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("duplicate check: %w", err)
	}
}

// reject turns err into a DispatchError, announces it and returns it.
func (d *Dispatcher) reject(ctx context.Context, req Request, r resolved, err error) error {
	de := d.classify(req, r, err)
	metrics.DispatchOutcomes.WithLabelValues("book", string(de.Reason)).Inc()
	d.publish(ctx, model.Event{
		Kind:        model.EventRouteRejected,
		RequestID:   req.RequestID,
		CommunityID: r.from.CommunityID,
		Reason:      de.Reason,
		Message:     de.Message,
		Context:     de.Context,
	})
	return de
}

// classify maps any error to a DispatchError carrying request context. Foreign errors are
// logged and become a generic rejection.
func (d *Dispatcher) classify(req Request, r resolved, err error) *model.DispatchError {
	var de *model.DispatchError
	if !errors.As(err, &de) {
		log.Error().Err(err).Str("request_id", req.RequestID).Str("community", r.from.CommunityID).Msg("dispatch failed unexpectedly")
		de = model.Wrap(model.ReasonInternal, err, "the request could not be processed")
	}
	kv := map[string]any{
		"requestedTime": req.Time.Format(time.RFC3339),
		"anchor":        req.Anchor.String(),
		"load":          req.Load.String(),
	}
	if r.from.ID != "" {
		kv["fromStation"] = stationName(r.from)
	}
	if r.to.ID != "" {
		kv["toStation"] = stationName(r.to)
	}
	return de.WithContext(kv)
}

func stationName(s model.Station) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

func (d *Dispatcher) publish(ctx context.Context, ev model.Event) {
	if d.publisher == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("request_id", ev.RequestID).Msg("publish event")
		return
	}
	metrics.OutboundEvents.WithLabelValues(string(ev.Kind)).Inc()
}
