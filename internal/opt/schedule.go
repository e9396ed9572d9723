package opt

import "ridepool/internal/model"

// schedule propagates earliest service start times along order for vehicle v, starting at the
// zero-travel depot. It returns the per-visit start minutes and the weighted travel cost, or
// ok=false when a window, closing time, capacity, pairing, ride-time or work-time constraint
// is violated.
func (b *Builder) schedule(v Vehicle, order []int) (times []int, cost float64, ok bool) {
	times = make([]int, len(order))
	pos := make(map[int]int, len(order))
	var load model.Load
	t := v.Start
	prev := -1
	for k, idx := range order {
		n := b.nodes[idx]
		if n.Vehicle != "" && n.Vehicle != v.ID {
			return nil, 0, false
		}
		arr := t
		if prev >= 0 {
			tt := b.matrix.Minutes(b.nodes[prev].Map.ID, n.Map.ID)
			if tt == unreachable {
				return nil, 0, false
			}
			arr = t + tt
			w := 1.0
			if !load.Empty() {
				w += b.opts.LoadedArcWeight
			}
			cost += float64(tt) * w
		}
		start := arr
		if start < n.Min {
			start = n.Min
		}
		start = openAt(n.Closing, start, n.Service)
		if start > n.Max || start+n.Service > v.End {
			return nil, 0, false
		}
		switch n.Kind {
		case Pickup:
			load = load.Add(n.Delta)
			if !v.Capacity.Fits(load) {
				return nil, 0, false
			}
		case Delivery:
			pk, seen := pos[n.Pair]
			if !seen {
				return nil, 0, false
			}
			p := b.nodes[n.Pair]
			if p.MaxRide > 0 && start-(times[pk]+p.Service) > p.MaxRide {
				return nil, 0, false
			}
			load = load.Sub(n.Delta)
		}
		times[k] = start
		pos[idx] = k
		t = start + n.Service
		prev = idx
	}
	for idx := range pos {
		if n := b.nodes[idx]; n.Kind == Pickup {
			if _, ok := pos[n.Pair]; !ok {
				return nil, 0, false
			}
		}
	}
	return times, cost, true
}

// openAt delays start until a service of the given length overlaps no closing interval.
func openAt(closing [][2]int, start, service int) int {
	for moved := true; moved; {
		moved = false
		for _, c := range closing {
			if start < c[1] && (start+service > c[0] || start == c[0]) {
				start = c[1]
				moved = true
			}
		}
	}
	return start
}

// groupPenalty charges every vehicle beyond the first that serves members of one group.
func (b *Builder) groupPenalty(routes [][]int) float64 {
	if b.opts.GroupPenalty == 0 {
		return 0
	}
	groups := map[string]map[int]bool{}
	for vi, r := range routes {
		for _, idx := range r {
			g := b.nodes[idx].Group
			if g == "" {
				continue
			}
			if groups[g] == nil {
				groups[g] = map[int]bool{}
			}
			groups[g][vi] = true
		}
	}
	total := 0.0
	for _, vs := range groups {
		if len(vs) > 1 {
			total += b.opts.GroupPenalty * float64(len(vs)-1)
		}
	}
	return total
}
