// Package webhooks pushes outbound events to an operator endpoint as signed JSON POSTs.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"ridepool/internal/config"
	"ridepool/internal/metrics"
	"ridepool/internal/model"
)

var ErrQueueFull = errors.New("webhook queue full")

type delivery struct {
	kind     model.EventKind
	body     []byte
	attempts int
	due      time.Time
}

// Worker queues events and delivers them in order, retrying failures with exponential backoff
// until MaxAttempts is reached.
type Worker struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	Backoff     func(attempts int) time.Duration

	queue chan delivery
}

func NewWorker(cfg config.Config) *Worker {
	max := cfg.WebhookMaxAttempts
	if max <= 0 {
		max = 5
	}
	return &Worker{
		URL:         cfg.WebhookURL,
		Secret:      cfg.WebhookSecret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: max,
		Backoff:     nextBackoff,
		queue:       make(chan delivery, 256),
	}
}

// Publish enqueues ev. It never blocks; a full queue drops the event.
func (w *Worker) Publish(_ context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case w.queue <- delivery{kind: ev.Kind, body: body}:
		return nil
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	var retry []delivery
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.queue:
			if r, ok := w.attempt(ctx, d); !ok {
				retry = append(retry, r)
			}
		case now := <-ticker.C:
			pending := retry[:0]
			for _, d := range retry {
				if now.Before(d.due) {
					pending = append(pending, d)
					continue
				}
				if r, ok := w.attempt(ctx, d); !ok {
					pending = append(pending, r)
				}
			}
			retry = pending
		}
	}
}

// attempt posts d once. It reports true when d is settled, either delivered or given up; otherwise
// it returns d rescheduled.
func (w *Worker) attempt(ctx context.Context, d delivery) (delivery, bool) {
	code, err := w.post(ctx, d)
	if err == nil {
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		return d, true
	}
	d.attempts++
	if d.attempts >= w.MaxAttempts {
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		log.Error().Err(err).Int("code", code).Str("kind", string(d.kind)).Int("attempts", d.attempts).Msg("webhook delivery abandoned")
		return d, true
	}
	metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
	d.due = time.Now().Add(w.Backoff(d.attempts))
	log.Warn().Err(err).Int("code", code).Str("kind", string(d.kind)).Time("next", d.due).Msg("webhook delivery failed")
	return d, false
}

func (w *Worker) post(ctx context.Context, d delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(d.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(d.kind))
	if w.Secret != "" {
		now := time.Now()
		req.Header.Set("X-Signature-Timestamp", strconv.FormatInt(now.Unix(), 10))
		req.Header.Set("X-Signature", SignHMAC(w.Secret, now, d.body))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
