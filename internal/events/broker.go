package events

import (
	"context"
	"errors"
	"sync"

	"ridepool/internal/model"
)

// Subscriber delivers the events of one tour.
type Subscriber interface {
	Subscribe(tourID string) chan model.Event
	Unsubscribe(tourID string, ch chan model.Event)
}

// Broker is an in-process event hub keyed by tour id. Slow subscribers miss events instead of
// blocking the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.Event]struct{}{}}
}

func (b *Broker) Subscribe(tourID string) chan model.Event {
	ch := make(chan model.Event, 8)
	b.mu.Lock()
	if b.subs[tourID] == nil {
		b.subs[tourID] = map[chan model.Event]struct{}{}
	}
	b.subs[tourID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(tourID string, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[tourID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, tourID)
	}
	close(ch)
}

// Publish hands ev to the subscribers of its tour. Events without a tour are dropped.
func (b *Broker) Publish(_ context.Context, ev model.Event) error {
	if ev.TourID == "" {
		return nil
	}
	b.deliver(ev.TourID, ev)
	return nil
}

func (b *Broker) deliver(tourID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tourID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Fanout publishes every event on all of its publishers and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
