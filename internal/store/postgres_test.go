package store

import (
	"testing"
	"time"

	"ridepool/internal/model"
)

func TestToJSON(t *testing.T) {
	if v := toJSON(nil); v != nil {
		t.Fatalf("nil -> nil expected")
	}
	var empty []model.Interval
	if v := toJSON(empty); v != nil {
		t.Fatalf("nil slice -> nil expected")
	}
	if v := toJSON([]model.Interval{{}}); v == nil {
		t.Fatalf("non-empty -> non-nil expected")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatalf("empty string must map to NULL")
	}
	if nullIfEmpty("x") != "x" {
		t.Fatalf("value must pass through")
	}
}

func TestMatchesTimeRange(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	tour := sampleTour("t", t0)
	if !matches(tour, model.TourFilter{From: t0.Add(-time.Hour), To: t0}) {
		t.Fatalf("tour starting at To must match")
	}
	if matches(tour, model.TourFilter{From: t0.Add(time.Hour)}) {
		t.Fatalf("tour ending before From must not match")
	}
	if matches(model.Tour{}, model.TourFilter{From: t0}) {
		t.Fatalf("tour without stops has no time range")
	}
}
