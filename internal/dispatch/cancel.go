package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"ridepool/internal/model"
	"ridepool/internal/store"
)

// ErrNotBooked is returned when cancelling an unknown request id.
var ErrNotBooked = errors.New("request is not booked")

// Cancel removes a passenger from its tour and prunes the stops left empty. A non-blocking tour
// left without passengers is deleted. Frozen and started tours keep their status and id; the
// cancellation only shrinks the time they reserve, and no other passenger is moved. Finished
// tours are history and cannot be changed.
func (d *Dispatcher) Cancel(ctx context.Context, requestID string) (model.Tour, error) {
	t, err := d.store.FindTourByPassenger(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Tour{}, fmt.Errorf("%s: %w", requestID, ErrNotBooked)
	}
	if err != nil {
		return model.Tour{}, err
	}
	lock := d.communityLock(t.CommunityID)
	lock.Lock()
	defer lock.Unlock()

	var out model.Tour
	removed := false
	err = d.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.FindTourByPassenger(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", requestID, ErrNotBooked)
		}
		if err != nil {
			return err
		}
		if cur.Status == model.StatusFinished {
			return model.Fail(model.ReasonCommitFailure, "tour %s is finished", cur.ID)
		}
		cur.RemovePassenger(requestID)
		out = cur
		if len(cur.Passengers) == 0 && !cur.Status.Blocking() {
			removed = true
			return tx.DeleteTour(ctx, cur.ID)
		}
		return tx.SaveTour(ctx, cur)
	})
	if err != nil {
		return model.Tour{}, err
	}
	log.Info().Str("request_id", requestID).Str("tour", out.ID).Bool("tour_removed", removed).Msg("request cancelled")
	d.publish(ctx, model.Event{
		Kind:        model.EventRouteChanged,
		RequestID:   requestID,
		TourID:      out.ID,
		VehicleID:   out.VehicleID,
		CommunityID: out.CommunityID,
		Message:     "cancelled",
	})
	return out, nil
}

// Lookup returns the tour carrying requestID.
func (d *Dispatcher) Lookup(ctx context.Context, requestID string) (model.Tour, error) {
	return d.store.FindTourByPassenger(ctx, requestID)
}
