package routing

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry loads each region's graph at most once and hands the shared instance to readers.
type Registry struct {
	dir    string
	mu     sync.Mutex
	loaded map[string]*regionEntry
	load   func(path string) (*Graph, error)
}

type regionEntry struct {
	once  sync.Once
	graph *Graph
	err   error
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, loaded: map[string]*regionEntry{}, load: LoadGraphFile}
}

// Graph returns the region's graph, loading <dir>/<region>.json on first use.
func (r *Registry) Graph(region string) (*Graph, error) {
	r.mu.Lock()
	e, ok := r.loaded[region]
	if !ok {
		e = &regionEntry{}
		r.loaded[region] = e
	}
	r.mu.Unlock()
	e.once.Do(func() {
		path := filepath.Join(r.dir, region+".json")
		e.graph, e.err = r.load(path)
		if e.err != nil {
			e.err = fmt.Errorf("load region %s: %w", region, e.err)
			return
		}
		log.Info().Str("region", region).Int("nodes", e.graph.Len()).Msg("road graph loaded")
	})
	return e.graph, e.err
}

// Put registers an already-built graph for region.
func (r *Registry) Put(region string, g *Graph) {
	e := &regionEntry{graph: g}
	e.once.Do(func() {})
	r.mu.Lock()
	r.loaded[region] = e
	r.mu.Unlock()
}
