package opt

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"ridepool/internal/model"
)

// Builder is an immutable tour-building state. Every mutating operation returns a new Builder
// and leaves the receiver untouched, so a failed attempt needs no rollback.
type Builder struct {
	ref      time.Time
	opts     Options
	matrix   *Matrix
	vehicles []Vehicle
	excluded map[string]bool
	nodes    []Node
	routes   [][]int
	costs    []float64

	// Insertions counts committed insertions; Evaluated counts schedule evaluations.
	Insertions int
	Evaluated  int
	// last is the vehicle index that received the latest TryAdd.
	last int
}

// NewBuilder starts an empty state. Node 0 is the dummy depot with zero travel.
func NewBuilder(ref time.Time, opts Options, matrix *Matrix, vehicles []Vehicle) *Builder {
	return &Builder{
		ref:      ref,
		opts:     opts,
		matrix:   matrix,
		vehicles: vehicles,
		excluded: map[string]bool{},
		nodes:    []Node{{Kind: Depot, Pair: -1, Min: 0, Max: Horizon}},
		routes:   make([][]int, len(vehicles)),
		costs:    make([]float64, len(vehicles)),
		last:     -1,
	}
}

func (b *Builder) clone() *Builder {
	nb := *b
	nb.routes = append([][]int(nil), b.routes...)
	nb.costs = append([]float64(nil), b.costs...)
	nb.excluded = make(map[string]bool, len(b.excluded))
	for k, v := range b.excluded {
		nb.excluded[k] = v
	}
	return &nb
}

// withNodes appends nodes without aliasing the receiver's backing array.
func (b *Builder) withNodes(ns ...Node) (*Builder, int) {
	nb := b.clone()
	first := len(b.nodes)
	nb.nodes = append(b.nodes[:len(b.nodes):len(b.nodes)], ns...)
	return nb, first
}

func (b *Builder) vehicleIndex(id string) int {
	for i, v := range b.vehicles {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// Exclude removes a vehicle from consideration; its existing tours stay as they are.
func (b *Builder) Exclude(vehicleID string) *Builder {
	nb := b.clone()
	nb.excluded[vehicleID] = true
	if vi := b.vehicleIndex(vehicleID); vi >= 0 {
		nb.routes[vi] = nil
		nb.costs[vi] = 0
	}
	return nb
}

// Excluded reports whether a vehicle was dropped during seeding.
func (b *Builder) Excluded(vehicleID string) bool { return b.excluded[vehicleID] }

// Cost is the weighted travel of all routes plus group penalties.
func (b *Builder) Cost() float64 {
	total := b.groupPenalty(b.routes)
	for _, c := range b.costs {
		total += c
	}
	return total
}

// Seed warm-starts vehicleID with its committed promises in their committed stop order. When
// that order no longer schedules (travel times may have changed) the promises are re-inserted
// by cheapest insertion. ErrNoRoute means the vehicle cannot keep its promises.
func (b *Builder) Seed(ctx context.Context, vehicleID string, promises []model.Moby) (*Builder, error) {
	vi := b.vehicleIndex(vehicleID)
	if vi < 0 || b.excluded[vehicleID] {
		return b, fmt.Errorf("seed unknown vehicle %s: %w", vehicleID, ErrNoRoute)
	}
	var ns []Node
	for _, m := range promises {
		if err := ctx.Err(); err != nil {
			return b, err
		}
		m.VehicleID = vehicleID
		p, d, err := b.requestNodes(ctx, m, 0)
		if err != nil {
			return b, err
		}
		ns = append(ns, p, d)
	}
	nb, first := b.withNodes(ns...)
	pairs := make([][2]int, 0, len(promises))
	for k := 0; k < len(ns); k += 2 {
		pi, di := first+k, first+k+1
		nb.nodes[pi].Pair, nb.nodes[di].Pair = di, pi
		pairs = append(pairs, [2]int{pi, di})
	}

	type entry struct {
		idx      int
		at       int
		delivery bool
	}
	var order []entry
	for _, pr := range pairs {
		order = append(order, entry{pr[0], nb.nodes[pr[0]].Min, false}, entry{pr[1], nb.nodes[pr[1]].Min, true})
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].at != order[j].at {
			return order[i].at < order[j].at
		}
		return order[i].delivery && !order[j].delivery
	})
	route := append([]int(nil), nb.routes[vi]...)
	for _, e := range order {
		route = append(route, e.idx)
	}
	nb.Evaluated++
	if _, c, ok := nb.schedule(nb.vehicles[vi], route); ok {
		nb.routes[vi] = route
		nb.costs[vi] = c
		return nb, nil
	}
	return nb.insertPairs(ctx, pairs, b)
}

// AddMandatory pins a visit to station s on vehicleID anywhere inside its work window.
func (b *Builder) AddMandatory(ctx context.Context, vehicleID string, s model.Station) (*Builder, error) {
	vi := b.vehicleIndex(vehicleID)
	if vi < 0 || b.excluded[vehicleID] {
		return b, fmt.Errorf("mandatory stop on unknown vehicle %s: %w", vehicleID, ErrNoRoute)
	}
	n := Node{
		Kind:      Mandatory,
		Map:       mapNode(s),
		StationID: s.ID,
		Pair:      -1,
		Min:       b.vehicles[vi].Start,
		Max:       b.vehicles[vi].End,
		Vehicle:   vehicleID,
		Closing:   b.closing(s),
	}
	if err := b.matrix.Ensure(ctx, n.Map); err != nil {
		return b, fmt.Errorf("%w: %v", ErrSolverInternal, err)
	}
	nb, idx := b.withNodes(n)
	r := nb.routes[vi]
	best, bestCost := -1, math.MaxFloat64
	for pos := 0; pos <= len(r); pos++ {
		cand := insertAt(r, idx, pos)
		nb.Evaluated++
		if _, c, ok := nb.schedule(nb.vehicles[vi], cand); ok && c < bestCost {
			best, bestCost = pos, c
		}
	}
	if best < 0 {
		return b, fmt.Errorf("mandatory station %s on %s: %w", s.ID, vehicleID, ErrNoRoute)
	}
	nb.routes[vi] = insertAt(r, idx, best)
	nb.costs[vi] = bestCost
	nb.Insertions++
	return nb, nil
}

// TryAdd inserts m under the given slack. On failure the receiver is returned unchanged.
func (b *Builder) TryAdd(ctx context.Context, m model.Moby, slack int) (*Builder, error) {
	p, d, err := b.requestNodes(ctx, m, slack)
	if err != nil {
		return b, err
	}
	if m.Promise && b.excluded[m.VehicleID] {
		return b, fmt.Errorf("promise %s on excluded vehicle: %w", m.RequestID, ErrNoRoute)
	}
	nb, first := b.withNodes(p, d)
	nb.nodes[first].Pair, nb.nodes[first+1].Pair = first+1, first
	return nb.insertPairs(ctx, [][2]int{{first, first + 1}}, b)
}

// insertPairs runs parallel cheapest insertion: each round evaluates every pending pair on every
// vehicle at every position and commits the globally cheapest feasible one. On failure orig is
// returned.
func (b *Builder) insertPairs(ctx context.Context, pending [][2]int, orig *Builder) (*Builder, error) {
	nb := b
	if nb == orig {
		nb = b.clone()
	}
	pending = append([][2]int(nil), pending...)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return orig, err
		}
		bestPair, bestVeh := -1, -1
		var bestRoute []int
		bestCost, bestDelta := 0.0, math.MaxFloat64
		for k, pr := range pending {
			pin := nb.nodes[pr[0]].Vehicle
			for vi, v := range nb.vehicles {
				if nb.excluded[v.ID] || (pin != "" && pin != v.ID) {
					continue
				}
				r := nb.routes[vi]
				for i := 0; i <= len(r); i++ {
					withP := insertAt(r, pr[0], i)
					for j := i + 1; j <= len(withP); j++ {
						cand := insertAt(withP, pr[1], j)
						nb.Evaluated++
						_, c, ok := nb.schedule(v, cand)
						if !ok {
							continue
						}
						delta := c - nb.costs[vi] + nb.groupDelta(vi, pr[0])
						if delta < bestDelta {
							bestPair, bestVeh, bestRoute = k, vi, cand
							bestCost, bestDelta = c, delta
						}
					}
				}
			}
		}
		if bestPair < 0 {
			return orig, ErrNoRoute
		}
		nb.routes[bestVeh] = bestRoute
		nb.costs[bestVeh] = bestCost
		nb.last = bestVeh
		nb.Insertions++
		pending = append(pending[:bestPair], pending[bestPair+1:]...)
	}
	return nb, nil
}

// groupDelta is the penalty change of serving node idx's group on vehicle vi.
func (b *Builder) groupDelta(vi, idx int) float64 {
	g := b.nodes[idx].Group
	if g == "" || b.opts.GroupPenalty == 0 {
		return 0
	}
	others, here := 0, false
	for ri, r := range b.routes {
		for _, n := range r {
			if b.nodes[n].Group != g {
				continue
			}
			if ri == vi {
				here = true
			} else {
				others++
			}
			break
		}
	}
	if here || others == 0 {
		return 0
	}
	return b.opts.GroupPenalty
}

func insertAt(r []int, v, pos int) []int {
	out := make([]int, 0, len(r)+1)
	out = append(out, r[:pos]...)
	out = append(out, v)
	return append(out, r[pos:]...)
}

// Solution returns the scheduled routes of all vehicles that serve at least one node.
func (b *Builder) Solution() Solution {
	sol := Solution{Ref: b.ref, Cost: b.Cost()}
	if b.last >= 0 {
		sol.VehicleID = b.vehicles[b.last].ID
	}
	for vi, r := range b.routes {
		if len(r) == 0 {
			continue
		}
		times, _, ok := b.schedule(b.vehicles[vi], r)
		if !ok {
			continue
		}
		route := Route{VehicleID: b.vehicles[vi].ID}
		for k, idx := range r {
			route.Visits = append(route.Visits, Visit{Node: b.nodes[idx], Index: idx, Time: times[k]})
		}
		sol.Routes = append(sol.Routes, route)
	}
	return sol
}
