package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"ridepool/internal/config"
	"ridepool/internal/model"
)

func newTestWorker(url string, max int) *Worker {
	cfg := config.Default()
	cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookMaxAttempts = url, "secret", max
	w := NewWorker(cfg)
	w.Backoff = func(int) time.Duration { return 0 }
	return w
}

func TestDeliverySignedAndOrdered(t *testing.T) {
	got := make(chan model.Event, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := VerifyHMAC("secret", r.Header.Get("X-Signature-Timestamp"), body, r.Header.Get("X-Signature"), time.Now(), time.Minute); err != nil {
			t.Errorf("signature: %v", err)
		}
		var ev model.Event
		_ = json.Unmarshal(body, &ev)
		if r.Header.Get("X-Event-Type") != string(ev.Kind) {
			t.Errorf("event type header %q", r.Header.Get("X-Event-Type"))
		}
		got <- ev
	}))
	defer srv.Close()

	w := newTestWorker(srv.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_ = w.Publish(ctx, model.Event{ID: "e1", Kind: model.EventRouteChanged, RequestID: "r1"})
	_ = w.Publish(ctx, model.Event{ID: "e2", Kind: model.EventRouteFrozen, TourID: "t1"})
	for _, want := range []string{"e1", "e2"} {
		select {
		case ev := <-got:
			if ev.ID != want {
				t.Fatalf("got %s want %s", ev.ID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestAttemptRetriesThenGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newTestWorker(srv.URL, 2)
	d := delivery{kind: model.EventRouteFinished, body: []byte(`{}`)}
	d, settled := w.attempt(context.Background(), d)
	if settled || d.attempts != 1 {
		t.Fatalf("first attempt settled=%v attempts=%d", settled, d.attempts)
	}
	if _, settled = w.attempt(context.Background(), d); !settled {
		t.Fatal("second attempt should give up")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls %d", calls)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	w := newTestWorker("http://127.0.0.1:0", 1)
	w.queue = make(chan delivery, 1)
	if err := w.Publish(context.Background(), model.Event{Kind: model.EventRouteChanged}); err != nil {
		t.Fatal(err)
	}
	if err := w.Publish(context.Background(), model.Event{Kind: model.EventRouteChanged}); err != ErrQueueFull {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second {
		t.Fatal("unexpected backoff growth")
	}
	if nextBackoff(50) != time.Hour {
		t.Fatalf("cap %v", nextBackoff(50))
	}
}

func TestVerifyRejectsTamperingAndReplay(t *testing.T) {
	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	body := []byte(`{"kind":"RouteFrozen"}`)
	sig := SignHMAC("secret", ts, body)
	tsHeader := strconv.FormatInt(ts.Unix(), 10)
	if err := VerifyHMAC("secret", tsHeader, body, sig, ts.Add(10*time.Second), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := VerifyHMAC("secret", tsHeader, []byte(`{}`), sig, ts, time.Minute); err == nil {
		t.Fatal("tampered body accepted")
	}
	if err := VerifyHMAC("other", tsHeader, body, sig, ts, time.Minute); err == nil {
		t.Fatal("wrong secret accepted")
	}
	if err := VerifyHMAC("secret", tsHeader, body, sig, ts.Add(time.Hour), time.Minute); err == nil {
		t.Fatal("stale signature accepted")
	}
}
