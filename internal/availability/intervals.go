package availability

import (
	"sort"

	"ridepool/internal/model"
)

// Subtract removes every reserved interval from slots, splitting slots where a reservation
// falls strictly inside. The result is sorted and contains no empty intervals.
func Subtract(slots, reserved []model.Interval) []model.Interval {
	res := append([]model.Interval(nil), reserved...)
	sort.Slice(res, func(i, j int) bool { return res[i].Start.Before(res[j].Start) })

	var out []model.Interval
	for _, s := range slots {
		pieces := []model.Interval{s}
		for _, r := range res {
			next := pieces[:0:0]
			for _, p := range pieces {
				next = append(next, cut(p, r)...)
			}
			pieces = next
			if len(pieces) == 0 {
				break
			}
		}
		out = append(out, pieces...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// cut returns the parts of p not covered by r.
func cut(p, r model.Interval) []model.Interval {
	if !r.End.After(p.Start) || !r.Start.Before(p.End) {
		return []model.Interval{p}
	}
	var out []model.Interval
	if r.Start.After(p.Start) {
		out = append(out, model.Interval{Start: p.Start, End: r.Start})
	}
	if r.End.Before(p.End) {
		out = append(out, model.Interval{Start: r.End, End: p.End})
	}
	return out
}

func covering(list []model.Interval, i model.Interval) (model.Interval, bool) {
	for _, iv := range list {
		if !iv.Start.After(i.Start) && !iv.End.Before(i.End) {
			return iv, true
		}
	}
	return model.Interval{}, false
}
