// Package plan turns a requested instant into the time windows a booking is searched in.
package plan

import (
	"time"

	"ridepool/internal/config"
	"ridepool/internal/model"
)

// Anchor says whether the requested instant is the departure or the arrival.
type Anchor int

const (
	Departure Anchor = iota
	Arrival
)

func (a Anchor) String() string {
	if a == Arrival {
		return "arrival"
	}
	return "departure"
}

// Mode selects the alternative-time search direction.
type Mode int

const (
	None Mode = iota
	Earlier
	Later
)

func ParseMode(s string) Mode {
	switch s {
	case "earlier", "EARLIER":
		return Earlier
	case "later", "LATER":
		return Later
	default:
		return None
	}
}

type Planner struct {
	Pad           time.Duration
	ArrivalOffset time.Duration
	MinLead       time.Duration
	MaxHorizon    time.Duration
	Steps         int
	Step          time.Duration
	Now           func() time.Time
}

func New(cfg config.Planner) *Planner {
	return &Planner{
		Pad:           config.Minutes(cfg.PadMinutes),
		ArrivalOffset: config.Minutes(cfg.ArrivalOffsetMinutes),
		MinLead:       config.Minutes(cfg.MinLeadMinutes),
		MaxHorizon:    time.Duration(cfg.MaxDaysInFuture) * 24 * time.Hour,
		Steps:         cfg.AlternativeSteps,
		Step:          config.Minutes(cfg.AlternativeStepMinutes),
		Now:           time.Now,
	}
}

// Primary converts the instant into its window without policy checks.
func (p *Planner) Primary(t time.Time, anchor Anchor) model.Window {
	if anchor == Arrival {
		return model.Window{Min: t.Add(-2*p.Pad - p.ArrivalOffset), Max: t}
	}
	return model.Window{Min: t.Add(-p.Pad), Max: t.Add(p.Pad)}
}

// Plan returns the primary window followed by up to Steps alternatives in the mode's direction.
// The primary window must satisfy the lead and horizon policy; alternatives stop at the first
// one that would not.
func (p *Planner) Plan(t time.Time, anchor Anchor, mode Mode) ([]model.Window, error) {
	now := p.Now()
	earliest := now.Add(p.MinLead)
	latest := now.Add(p.MaxHorizon)
	w := p.Primary(t, anchor)
	if w.Min.Before(earliest) {
		return nil, model.Fail(model.ReasonTimeInPast, "requested time %s is before the earliest bookable time %s",
			t.Format(time.RFC3339), earliest.Format(time.RFC3339))
	}
	if w.Max.After(latest) {
		return nil, model.Fail(model.ReasonTimeTooFarInFuture, "requested time %s is after the booking horizon %s",
			t.Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	out := []model.Window{w}
	if mode == None || p.Step <= 0 {
		return out, nil
	}
	dir := time.Duration(1)
	if mode == Earlier {
		dir = -1
	}
	for k := 1; k <= p.Steps; k++ {
		alt := w.Shift(dir * time.Duration(k) * p.Step)
		if alt.Min.Before(earliest) || alt.Max.After(latest) {
			break
		}
		out = append(out, alt)
	}
	return out, nil
}
