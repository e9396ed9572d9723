// Package lifecycle holds the periodic maintenance jobs over committed tours: splitting tours at
// long empty gaps, freezing near-term tours, finishing completed ones and pruning old data.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"ridepool/internal/config"
	"ridepool/internal/metrics"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// Publisher announces outbound events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Report summarises one job run. A failed record is logged and does not stop the batch.
type Report struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Changed   int    `json:"changed"`
	Failed    int    `json:"failed"`
}

type Jobs struct {
	store   store.Store
	pub     Publisher
	cfg     config.Jobs
	workers int
	Now     func() time.Time
}

func New(s store.Store, pub Publisher, cfg config.Jobs) *Jobs {
	return &Jobs{store: s, pub: pub, cfg: cfg, workers: 4, Now: time.Now}
}

// Names lists the jobs in the order RunAll executes them.
var Names = []string{"split", "freeze", "finish", "prune"}

// Run executes the job called name.
func (j *Jobs) Run(ctx context.Context, name string) (Report, error) {
	switch name {
	case "split":
		return j.Split(ctx)
	case "freeze":
		return j.Freeze(ctx)
	case "finish":
		return j.Finish(ctx)
	case "prune":
		return j.Prune(ctx)
	default:
		return Report{}, fmt.Errorf("unknown job %q", name)
	}
}

// RunAll executes every job once.
func (j *Jobs) RunAll(ctx context.Context) []Report {
	out := make([]Report, 0, len(Names))
	for _, name := range Names {
		r, err := j.Run(ctx, name)
		if err != nil {
			log.Error().Err(err).Str("job", name).Msg("lifecycle job failed")
		}
		out = append(out, r)
	}
	return out
}

// Loop runs all jobs every interval until ctx is done.
func (j *Jobs) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, r := range j.RunAll(ctx) {
				if r.Changed > 0 || r.Failed > 0 {
					log.Info().Str("job", r.Job).Int("changed", r.Changed).Int("failed", r.Failed).Msg("lifecycle run")
				}
			}
		}
	}
}

// each applies fn to every tour on a bounded pool and tallies the outcomes. fn reports whether
// it changed the tour.
func (j *Jobs) each(ctx context.Context, job string, tours []model.Tour, fn func(ctx context.Context, t model.Tour) (bool, error)) Report {
	rep := Report{Job: job, Processed: len(tours)}
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(j.workers)
	for _, t := range tours {
		p.Go(func() {
			changed, err := fn(ctx, t)
			status := "unchanged"
			switch {
			case err != nil:
				status = "failed"
				log.Error().Err(err).Str("job", job).Str("tour", t.ID).Msg("lifecycle record failed")
			case changed:
				status = "changed"
			}
			metrics.LifecycleRuns.WithLabelValues(job, status).Inc()
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case "failed":
				rep.Failed++
			case "changed":
				rep.Changed++
			}
		})
	}
	p.Wait()
	return rep
}

var openStatuses = []model.TourStatus{model.StatusDraft, model.StatusBooked}

// mutate re-reads tour id inside a transaction and applies fn when the tour still has one of
// statuses. A tour that vanished or moved on is skipped.
func (j *Jobs) mutate(ctx context.Context, id string, statuses []model.TourStatus,
	fn func(ctx context.Context, tx store.Store, t *model.Tour) (bool, error)) (bool, error) {

	changed := false
	err := j.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		t, err := tx.GetTour(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range statuses {
			if t.Status == s {
				changed, err = fn(ctx, tx, &t)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (j *Jobs) publish(ctx context.Context, ev model.Event) {
	if j.pub == nil {
		return
	}
	ev.ID, ev.TS = uuid.NewString(), j.Now().UTC()
	if err := j.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
		return
	}
	metrics.OutboundEvents.WithLabelValues(string(ev.Kind)).Inc()
}

// Freeze locks booked tours starting within the freeze margin: empty stops are dropped and the
// status moves to Frozen. A booked tour without passengers is deleted instead.
func (j *Jobs) Freeze(ctx context.Context) (Report, error) {
	horizon := j.Now().Add(config.Minutes(j.cfg.FreezeMarginMinutes))
	tours, err := j.store.ListTours(ctx, model.TourFilter{Statuses: openStatuses})
	if err != nil {
		return Report{Job: "freeze"}, fmt.Errorf("list tours: %w", err)
	}
	var due []model.Tour
	for _, t := range tours {
		if len(t.Stops) > 0 && t.Stops[0].TMin.Before(horizon) {
			due = append(due, t)
		}
	}
	var frozen []model.Tour
	var mu sync.Mutex
	rep := j.each(ctx, "freeze", due, func(ctx context.Context, t model.Tour) (bool, error) {
		return j.mutate(ctx, t.ID, openStatuses, func(ctx context.Context, tx store.Store, t *model.Tour) (bool, error) {
			t.PruneEmptyStops()
			if len(t.Passengers) == 0 {
				return true, tx.DeleteTour(ctx, t.ID)
			}
			t.Status = model.StatusFrozen
			if err := tx.SaveTour(ctx, *t); err != nil {
				return false, err
			}
			mu.Lock()
			frozen = append(frozen, *t)
			mu.Unlock()
			return true, nil
		})
	})
	for _, t := range frozen {
		j.publish(ctx, model.Event{Kind: model.EventRouteFrozen, TourID: t.ID, VehicleID: t.VehicleID, CommunityID: t.CommunityID})
	}
	return rep, nil
}

// Finish closes started tours whose last stop ended more than the finish margin ago.
func (j *Jobs) Finish(ctx context.Context) (Report, error) {
	cutoff := j.Now().Add(-config.Minutes(j.cfg.FinishMarginMinutes))
	tours, err := j.store.ListTours(ctx, model.TourFilter{Statuses: []model.TourStatus{model.StatusStarted}})
	if err != nil {
		return Report{Job: "finish"}, fmt.Errorf("list tours: %w", err)
	}
	var due []model.Tour
	for _, t := range tours {
		if t.End(time.Time{}).Before(cutoff) {
			due = append(due, t)
		}
	}
	return j.each(ctx, "finish", due, func(ctx context.Context, t model.Tour) (bool, error) {
		changed, err := j.mutate(ctx, t.ID, []model.TourStatus{model.StatusStarted}, func(ctx context.Context, tx store.Store, t *model.Tour) (bool, error) {
			t.Status = model.StatusFinished
			return true, tx.SaveTour(ctx, *t)
		})
		if changed && err == nil {
			j.publish(ctx, model.Event{Kind: model.EventRouteFinished, TourID: t.ID, VehicleID: t.VehicleID, CommunityID: t.CommunityID})
		}
		return changed, err
	}), nil
}

// Prune removes empty stops and passenger-less tours among the non-blocking ones, then deletes
// the oldest finished tours beyond the retention count, archiving each first.
func (j *Jobs) Prune(ctx context.Context) (Report, error) {
	rep := Report{Job: "prune"}
	open, err := j.store.ListTours(ctx, model.TourFilter{Statuses: openStatuses})
	if err != nil {
		return rep, fmt.Errorf("list tours: %w", err)
	}
	rep = j.each(ctx, "prune", open, func(ctx context.Context, t model.Tour) (bool, error) {
		return j.mutate(ctx, t.ID, openStatuses, func(ctx context.Context, tx store.Store, t *model.Tour) (bool, error) {
			if len(t.Passengers) == 0 {
				return true, tx.DeleteTour(ctx, t.ID)
			}
			if t.PruneEmptyStops() == 0 {
				return false, nil
			}
			return true, tx.SaveTour(ctx, *t)
		})
	})

	finished, err := j.store.ListTours(ctx, model.TourFilter{Statuses: []model.TourStatus{model.StatusFinished}})
	if err != nil {
		return rep, fmt.Errorf("list finished tours: %w", err)
	}
	excess := len(finished) - j.cfg.TourRetentionCount
	if excess <= 0 {
		return rep, nil
	}
	epoch := time.Unix(0, 0).UTC()
	sort.SliceStable(finished, func(a, b int) bool { return finished[a].Start(epoch).Before(finished[b].Start(epoch)) })
	for _, t := range finished[:excess] {
		rep.Processed++
		err := j.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
			if err := tx.ArchiveTour(ctx, t); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			return tx.DeleteTour(ctx, t.ID)
		})
		if err != nil {
			rep.Failed++
			metrics.LifecycleRuns.WithLabelValues("prune", "failed").Inc()
			log.Error().Err(err).Str("job", "prune").Str("tour", t.ID).Msg("lifecycle record failed")
			continue
		}
		rep.Changed++
		metrics.LifecycleRuns.WithLabelValues("prune", "changed").Inc()
	}
	return rep, nil
}
