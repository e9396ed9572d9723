package routing

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"ridepool/internal/model"
)

type edge struct {
	to   int
	cost time.Duration
}

// Graph is an immutable road network. Closures never mutate a Graph; WithClosures returns
// an overlay that shares everything except the touched adjacency rows.
type Graph struct {
	nodes []Node
	index map[int64]int
	adj   [][]edge
}

// GraphFile is the on-disk JSON layout of a region's road network.
type GraphFile struct {
	Nodes []Node `json:"nodes"`
	Edges []struct {
		From    int64   `json:"from"`
		To      int64   `json:"to"`
		Seconds float64 `json:"seconds"`
		Oneway  bool    `json:"oneway,omitempty"`
	} `json:"edges"`
}

// Arc is a directed road segment used to build graphs in code.
type Arc struct {
	From, To int64
	Cost     time.Duration
}

func NewGraph(nodes []Node, arcs []Arc) (*Graph, error) {
	g := &Graph{
		nodes: append([]Node(nil), nodes...),
		index: make(map[int64]int, len(nodes)),
		adj:   make([][]edge, len(nodes)),
	}
	for i, n := range g.nodes {
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("graph: duplicate node %d", n.ID)
		}
		g.index[n.ID] = i
	}
	for _, a := range arcs {
		from, ok1 := g.index[a.From]
		to, ok2 := g.index[a.To]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("graph: arc %d->%d: %w", a.From, a.To, ErrUnknownNode)
		}
		if a.Cost < 0 {
			return nil, fmt.Errorf("graph: arc %d->%d has negative cost", a.From, a.To)
		}
		g.adj[from] = append(g.adj[from], edge{to: to, cost: a.Cost})
	}
	return g, nil
}

// LoadGraph decodes a GraphFile. Edges are bidirectional unless marked oneway.
func LoadGraph(r io.Reader) (*Graph, error) {
	var f GraphFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	arcs := make([]Arc, 0, 2*len(f.Edges))
	for _, e := range f.Edges {
		c := time.Duration(e.Seconds * float64(time.Second))
		arcs = append(arcs, Arc{From: e.From, To: e.To, Cost: c})
		if !e.Oneway {
			arcs = append(arcs, Arc{From: e.To, To: e.From, Cost: c})
		}
	}
	return NewGraph(f.Nodes, arcs)
}

func LoadGraphFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadGraph(f)
}

func (g *Graph) Len() int { return len(g.nodes) }

// WithClosures returns a copy-on-write overlay with the given directed arcs removed.
func (g *Graph) WithClosures(closed [][2]int64) *Graph {
	out := &Graph{nodes: g.nodes, index: g.index, adj: make([][]edge, len(g.adj))}
	copy(out.adj, g.adj)
	for _, c := range closed {
		from, ok1 := g.index[c[0]]
		to, ok2 := g.index[c[1]]
		if !ok1 || !ok2 {
			continue
		}
		row := make([]edge, 0, len(out.adj[from]))
		for _, e := range out.adj[from] {
			if e.to != to {
				row = append(row, e)
			}
		}
		out.adj[from] = row
	}
	return out
}

func (g *Graph) NearestNode(_ context.Context, pos model.Position) (Node, error) {
	best, bestD := -1, math.MaxFloat64
	for i, n := range g.nodes {
		if d := Haversine(pos, n.Position()); d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return Node{}, fmt.Errorf("nearest node: empty graph: %w", ErrUnknownNode)
	}
	return g.nodes[best], nil
}

func (g *Graph) ShortestPath(ctx context.Context, from, to Node) (Path, error) {
	src, ok := g.index[from.ID]
	if !ok {
		return Path{}, fmt.Errorf("node %d: %w", from.ID, ErrUnknownNode)
	}
	dst, ok := g.index[to.ID]
	if !ok {
		return Path{}, fmt.Errorf("node %d: %w", to.ID, ErrUnknownNode)
	}
	if err := ctx.Err(); err != nil {
		return Path{}, err
	}
	dist, prev := g.dijkstra(src, dst)
	if dist[dst] == Unreachable {
		return Path{}, fmt.Errorf("%d -> %d: %w", from.ID, to.ID, ErrNoPath)
	}
	var rev []int
	for v := dst; v != -1; v = prev[v] {
		rev = append(rev, v)
	}
	p := Path{Nodes: make([]Node, 0, len(rev)), Legs: make([]time.Duration, 0, len(rev))}
	for i := len(rev) - 1; i >= 0; i-- {
		p.Nodes = append(p.Nodes, g.nodes[rev[i]])
		if i < len(rev)-1 {
			p.Legs = append(p.Legs, dist[rev[i]]-dist[rev[i+1]])
		}
	}
	return p, nil
}

func (g *Graph) DurationMatrix(ctx context.Context, nodes []Node) ([][]time.Duration, error) {
	idx := make([]int, len(nodes))
	for i, n := range nodes {
		v, ok := g.index[n.ID]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", n.ID, ErrUnknownNode)
		}
		idx[i] = v
	}
	out := make([][]time.Duration, len(nodes))
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dist, _ := g.dijkstra(idx[i], -1)
		row := make([]time.Duration, len(nodes))
		for j := range nodes {
			row[j] = dist[idx[j]]
		}
		out[i] = row
	}
	return out, nil
}

// dijkstra computes one-to-all distances; it stops early once target (>= 0) is settled.
func (g *Graph) dijkstra(src, target int) ([]time.Duration, []int) {
	dist := make([]time.Duration, len(g.nodes))
	prev := make([]int, len(g.nodes))
	for i := range dist {
		dist[i] = Unreachable
		prev[i] = -1
	}
	dist[src] = 0
	pq := &queue{{node: src}}
	for pq.Len() > 0 {
		it := heap.Pop(pq).(item)
		if it.dist > dist[it.node] {
			continue
		}
		if it.node == target {
			break
		}
		for _, e := range g.adj[it.node] {
			nd := it.dist + e.cost
			if nd < dist[e.to] {
				dist[e.to] = nd
				prev[e.to] = it.node
				heap.Push(pq, item{node: e.to, dist: nd})
			}
		}
	}
	return dist, prev
}

type item struct {
	node int
	dist time.Duration
}

type queue []item

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].dist < q[j].dist }
func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)        { *q = append(*q, x.(item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
