package opt

import (
	"context"
	"fmt"
	"math"
	"time"

	"ridepool/internal/routing"
)

const unreachable = -1

// Matrix memoises travel times for one request. It is shared by the slack attempts of that
// request and grows when new map nodes appear.
type Matrix struct {
	provider routing.MapProvider
	factor   float64
	index    map[int64]int
	nodes    []routing.Node
	dur      [][]time.Duration
	Fetches  int
}

// NewMatrix wraps provider; a non-nil cache is consulted before the provider is asked unless
// provider already reads through a cache.
func NewMatrix(provider routing.MapProvider, cache routing.PairCache, factor float64) *Matrix {
	if _, cached := provider.(*routing.Cached); cache != nil && !cached {
		provider = routing.NewCached(provider, cache)
	}
	if factor <= 0 {
		factor = 1
	}
	return &Matrix{provider: provider, factor: factor, index: map[int64]int{}}
}

// Ensure makes every node addressable, refetching the matrix once if any is missing.
func (m *Matrix) Ensure(ctx context.Context, nodes ...routing.Node) error {
	var missing []routing.Node
	seen := map[int64]bool{}
	for _, n := range nodes {
		if _, ok := m.index[n.ID]; ok || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return nil
	}
	all := append(append([]routing.Node(nil), m.nodes...), missing...)
	dur, err := m.provider.DurationMatrix(ctx, all)
	if err != nil {
		return fmt.Errorf("duration matrix for %d nodes: %w", len(all), err)
	}
	if len(dur) != len(all) {
		return fmt.Errorf("duration matrix: got %d rows for %d nodes", len(dur), len(all))
	}
	m.Fetches++
	m.nodes = all
	m.dur = dur
	m.index = make(map[int64]int, len(all))
	for i, n := range all {
		m.index[n.ID] = i
	}
	return nil
}

// Minutes returns the inflated travel time between two map nodes, rounded up, or
// unreachable when no path exists.
func (m *Matrix) Minutes(a, b int64) int {
	if a == b {
		return 0
	}
	i, ok1 := m.index[a]
	j, ok2 := m.index[b]
	if !ok1 || !ok2 {
		return unreachable
	}
	d := m.dur[i][j]
	if d >= routing.Unreachable {
		return unreachable
	}
	return int(math.Ceil(d.Minutes() * m.factor))
}
