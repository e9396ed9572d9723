package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ridepool/internal/metrics"
	"ridepool/internal/model"
	"ridepool/internal/store"
)

// Publisher announces outbound events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Canceller removes a booked request from its tour.
type Canceller interface {
	Cancel(ctx context.Context, requestID string) (model.Tour, error)
}

// Handler applies inbound messages to the store and the dispatcher.
type Handler struct {
	store  store.Store
	cancel Canceller
	pub    Publisher
	now    func() time.Time
}

func NewHandler(s store.Store, c Canceller, pub Publisher) *Handler {
	return &Handler{store: s, cancel: c, pub: pub, now: time.Now}
}

// Handle decodes raw and applies it. Decoding failures are MalformedMessage errors.
func (h *Handler) Handle(ctx context.Context, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		metrics.InboundEvents.WithLabelValues("unknown", string(model.ReasonMalformedMessage)).Inc()
		return err
	}
	err = h.Apply(ctx, msg)
	status := "ok"
	if err != nil {
		status = string(model.ReasonOf(err))
	}
	metrics.InboundEvents.WithLabelValues(string(msg.Type), status).Inc()
	return err
}

// Apply executes an already decoded message.
func (h *Handler) Apply(ctx context.Context, msg Message) error {
	switch p := msg.Payload.(type) {
	case *OrderStartedPayload:
		return h.orderStarted(ctx, p)
	case *OrderCancelledPayload:
		_, err := h.cancel.Cancel(ctx, p.RequestID)
		return err
	case *StopPayload:
		return h.store.UpsertStation(ctx, model.Station{
			ID:           p.ID,
			CommunityID:  p.CommunityID,
			Name:         p.Name,
			NodeID:       p.NodeID,
			Lat:          *p.Lat,
			Lon:          *p.Lon,
			Mandatory:    p.Mandatory,
			ClosingTimes: p.ClosingTimes,
			Connections:  p.Connections,
		})
	case *StopDeletedPayload:
		return ignoreMissing(h.store.DeleteStation(ctx, p.ID))
	case *BusPayload:
		return h.busUpdated(ctx, p)
	case *BusDeletedPayload:
		return ignoreMissing(h.store.DeleteVehicle(ctx, p.ID))
	case *BusPositionPayload:
		at := p.At
		if at.IsZero() {
			at = h.now().UTC()
		}
		return h.store.UpdateVehiclePosition(ctx, p.VehicleID, model.Position{Lat: *p.Lat, Lon: *p.Lon}, at)
	default:
		return model.Fail(model.ReasonMalformedMessage, "unsupported payload %T", msg.Payload)
	}
}

func (h *Handler) orderStarted(ctx context.Context, p *OrderStartedPayload) error {
	var started model.Tour
	err := h.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		t, err := tx.GetTour(ctx, p.TourID)
		if err != nil {
			return fmt.Errorf("tour %s: %w", p.TourID, err)
		}
		if p.VehicleID != "" && p.VehicleID != t.VehicleID {
			return model.Fail(model.ReasonMalformedMessage, "tour %s runs on %s, not %s", t.ID, t.VehicleID, p.VehicleID)
		}
		if t.Status == model.StatusStarted {
			return nil
		}
		if !t.Status.CanTransition(model.StatusStarted) {
			return model.Fail(model.ReasonCommitFailure, "tour %s cannot start from %s", t.ID, t.Status)
		}
		t.Status = model.StatusStarted
		started = t
		return tx.SaveTour(ctx, t)
	})
	if err != nil || started.ID == "" {
		return err
	}
	log.Info().Str("tour", started.ID).Str("vehicle", started.VehicleID).Msg("tour started")
	h.publish(ctx, model.Event{Kind: model.EventRouteStarted, TourID: started.ID, VehicleID: started.VehicleID, CommunityID: started.CommunityID})
	return nil
}

func (h *Handler) busUpdated(ctx context.Context, p *BusPayload) error {
	v := model.Vehicle{ID: p.ID, CommunityID: p.CommunityID, Type: p.Type, Capacity: *p.Capacity}
	if err := h.store.UpsertVehicle(ctx, v); err != nil {
		return err
	}
	if p.Slots == nil {
		return nil
	}
	return h.store.SetAvailability(ctx, p.ID, p.Slots, p.Blockers)
}

func (h *Handler) publish(ctx context.Context, ev model.Event) {
	if h.pub == nil {
		return
	}
	ev.ID, ev.TS = uuid.NewString(), h.now().UTC()
	if err := h.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
	}
}

// deleting something already gone is not an error for an idempotent feed
func ignoreMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
