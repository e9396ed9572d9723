package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"

	"ridepool/internal/model"
	"ridepool/internal/store"
)

func TestDecodeRequiredFields(t *testing.T) {
	cases := []struct {
		name, raw, want string
	}{
		{"not json", `{`, "valid envelope"},
		{"no type", `{"payload":{}}`, "type is missing"},
		{"unknown", `{"type":"Teleport","payload":{}}`, "unknown message type"},
		{"no payload", `{"type":"OrderCancelled"}`, "payload is missing"},
		{"cancel", `{"type":"OrderCancelled","payload":{}}`, "requestId"},
		{"stop", `{"type":"StopAdded","payload":{"id":"s1","lat":50}}`, "communityId, lon"},
		{"bus", `{"type":"BusUpdated","payload":{"id":"b1","communityId":"c1"}}`, "capacity"},
		{"position", `{"type":"UpdateBusPosition","payload":{"lat":1,"lon":2}}`, "vehicleId"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		if model.ReasonOf(err) != model.ReasonMalformedMessage {
			t.Fatalf("%s: want MalformedMessage, got %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: %q does not mention %q", tc.name, err.Error(), tc.want)
		}
	}
}

func TestDecodeStop(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"StopUpdated","payload":{"id":"s1","communityId":"c1","lat":0,"lon":8.5}}`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := msg.Payload.(*StopPayload)
	if !ok || msg.Type != StopUpdated {
		t.Fatalf("decoded %+v", msg)
	}
	// a zero latitude is present, not missing
	if *p.Lat != 0 || *p.Lon != 8.5 {
		t.Fatalf("payload %+v", p)
	}
}

type fakeCanceller struct{ ids []string }

func (f *fakeCanceller) Cancel(_ context.Context, id string) (model.Tour, error) {
	f.ids = append(f.ids, id)
	return model.Tour{}, nil
}

func TestHandlerAppliesMasterData(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	c := &fakeCanceller{}
	h := NewHandler(s, c, nil)

	msgs := []string{
		`{"type":"StopAdded","payload":{"id":"s1","communityId":"c1","name":"Market","lat":50.1,"lon":8.2}}`,
		`{"type":"BusUpdated","payload":{"id":"b1","communityId":"c1","capacity":{"seats":8,"wheelchairs":1,"seatsPerWheelchair":2},
			"slots":[{"start":"2026-06-01T06:00:00Z","end":"2026-06-01T18:00:00Z"}]}}`,
		`{"type":"UpdateBusPosition","payload":{"vehicleId":"b1","lat":50.2,"lon":8.3,"at":"2026-06-01T07:00:00Z"}}`,
		`{"type":"OrderCancelled","payload":{"requestId":"r9"}}`,
		`{"type":"StopDeleted","payload":{"id":"missing"}}`,
	}
	for _, m := range msgs {
		if err := h.Handle(ctx, []byte(m)); err != nil {
			t.Fatalf("%s: %v", m, err)
		}
	}
	st, err := s.GetStation(ctx, "s1")
	if err != nil || st.Name != "Market" || st.CommunityID != "c1" {
		t.Fatalf("station %+v %v", st, err)
	}
	v, err := s.GetVehicle(ctx, "b1")
	if err != nil || v.Capacity.Seats != 8 || v.Position == nil || v.Position.Lat != 50.2 {
		t.Fatalf("vehicle %+v %v", v, err)
	}
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	avail, err := s.Availability(ctx, "c1", day, day.Add(24*time.Hour))
	if err != nil || len(avail) != 1 || len(avail[0].Slots) != 1 {
		t.Fatalf("availability %+v %v", avail, err)
	}
	if len(c.ids) != 1 || c.ids[0] != "r9" {
		t.Fatalf("cancelled %v", c.ids)
	}
}

func TestOrderStartedPublishesOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b := NewBroker()
	h := NewHandler(s, &fakeCanceller{}, b)
	tour := model.Tour{ID: "t1", VehicleID: "b1", CommunityID: "c1", Status: model.StatusFrozen}
	if err := s.SaveTour(ctx, tour); err != nil {
		t.Fatal(err)
	}
	ch := b.Subscribe("t1")
	defer b.Unsubscribe("t1", ch)

	raw := []byte(`{"type":"OrderStarted","payload":{"tourId":"t1","vehicleId":"b1"}}`)
	for i := 0; i < 2; i++ {
		if err := h.Handle(ctx, raw); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.GetTour(ctx, "t1")
	if got.Status != model.StatusStarted {
		t.Fatalf("status %s", got.Status)
	}
	select {
	case ev := <-ch:
		if ev.Kind != model.EventRouteStarted || ev.ID == "" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for RouteStarted")
	}
	select {
	case ev := <-ch:
		t.Fatalf("a repeated start must not announce again: %+v", ev)
	default:
	}

	wrong := []byte(`{"type":"OrderStarted","payload":{"tourId":"t1","vehicleId":"other"}}`)
	if err := h.Handle(ctx, wrong); model.ReasonOf(err) != model.ReasonMalformedMessage {
		t.Fatalf("vehicle mismatch: %v", err)
	}
	if err := h.Handle(ctx, []byte(`{"type":"OrderStarted","payload":{"tourId":"nope"}}`)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown tour: %v", err)
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("t1")

	_ = b.Publish(context.Background(), model.Event{Kind: model.EventRouteChanged, TourID: "t1", RequestID: "r1"})
	_ = b.Publish(context.Background(), model.Event{Kind: model.EventRouteChanged, TourID: "t2"})

	select {
	case got := <-ch:
		if got.RequestID != "r1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-ch:
		t.Fatalf("event of another tour delivered: %+v", got)
	default:
	}

	b.Unsubscribe("t1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// a second unsubscribe must not panic on the closed channel
	b.Unsubscribe("t1", ch)
}

type failing struct{}

func (failing) Publish(context.Context, model.Event) error { return errors.New("down") }

func TestFanoutReachesAllPublishers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("t1")
	err := Fanout{failing{}, b, nil}.Publish(context.Background(), model.Event{TourID: "t1"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("want joined error, got %v", err)
	}
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("healthy publisher must still receive the event")
	}
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := NewRedisPublisher(client)
	ctx := context.Background()

	ch := p.Subscribe("t1")
	ev := model.Event{ID: "e1", Kind: model.EventRouteConfirmed, TourID: "t1", RequestID: "r1", TS: time.Now().UTC()}
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != "e1" || got.Kind != model.EventRouteConfirmed || got.RequestID != "r1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}
	p.Unsubscribe("t1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel should close after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

type fakeConn struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Channel() (*amqp091.Channel, error) { return nil, errors.New("channel refused") }

func (c *fakeConn) NotifyClose(r chan *amqp091.Error) chan *amqp091.Error { return r }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestAMQPReconnectClosesStaleConnection(t *testing.T) {
	stale := newFakeConn()
	redialed := make(chan bool, 8)
	s := &AMQPService{
		workers: 1,
		retry:   10 * time.Millisecond,
		dial: func(string) (amqpConn, error) {
			select {
			case redialed <- stale.isClosed():
			default:
			}
			return nil, errors.New("broker down")
		},
		conn: stale,
		done: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx, stale)

	select {
	case wasClosed := <-redialed:
		if !wasClosed {
			t.Fatal("redialed while the previous connection was still open")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect attempt")
	}
	if err := s.Publish(ctx, model.Event{Kind: model.EventRouteChanged}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected after the connection dropped, got %v", err)
	}
	cancel()
	<-s.done
}
