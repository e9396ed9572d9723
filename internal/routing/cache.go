package routing

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Pair is a directed node pair used as a duration cache key.
type Pair struct{ From, To int64 }

// PairCache stores travel times between node pairs.
type PairCache interface {
	GetMany(ctx context.Context, pairs []Pair) (map[Pair]time.Duration, error)
	PutMany(ctx context.Context, vals map[Pair]time.Duration) error
}

// MemoryPairCache is a process-local PairCache.
type MemoryPairCache struct {
	mu   sync.RWMutex
	vals map[Pair]time.Duration
}

func NewMemoryPairCache() *MemoryPairCache {
	return &MemoryPairCache{vals: map[Pair]time.Duration{}}
}

func (c *MemoryPairCache) GetMany(_ context.Context, pairs []Pair) (map[Pair]time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Pair]time.Duration, len(pairs))
	for _, p := range pairs {
		if v, ok := c.vals[p]; ok {
			out[p] = v
		}
	}
	return out, nil
}

func (c *MemoryPairCache) PutMany(_ context.Context, vals map[Pair]time.Duration) error {
	c.mu.Lock()
	for k, v := range vals {
		c.vals[k] = v
	}
	c.mu.Unlock()
	return nil
}

// RedisPairCache shares travel times between processes through Redis. Values are milliseconds;
// unreachable pairs are stored as "-1".
type RedisPairCache struct {
	client *redis.Client
	cache  *cache.Cache[string]
	prefix string
}

func NewRedisPairCache(client *redis.Client, prefix string, ttl time.Duration) *RedisPairCache {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))
	return &RedisPairCache{client: client, cache: cache.New[string](redisStore), prefix: prefix}
}

func (c *RedisPairCache) key(p Pair) string {
	return fmt.Sprintf("ridepool:duration:%s:%d:%d", c.prefix, p.From, p.To)
}

// GetMany reads every pair with a single MGET.
func (c *RedisPairCache) GetMany(ctx context.Context, pairs []Pair) (map[Pair]time.Duration, error) {
	out := make(map[Pair]time.Duration, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = c.key(p)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return out, fmt.Errorf("mget %d pairs: %w", len(keys), err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if ms < 0 {
			out[pairs[i]] = Unreachable
			continue
		}
		out[pairs[i]] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

func (c *RedisPairCache) PutMany(ctx context.Context, vals map[Pair]time.Duration) error {
	for p, d := range vals {
		v := strconv.FormatInt(d.Milliseconds(), 10)
		if d >= Unreachable {
			v = "-1"
		}
		if err := c.cache.Set(ctx, c.key(p), v); err != nil {
			return fmt.Errorf("put %v: %w", p, err)
		}
	}
	return nil
}

// Cached serves duration matrices from a PairCache and falls back to the wrapped provider
// for the whole matrix when any pair is missing. Unreachable pairs are cached like any other.
type Cached struct {
	MapProvider
	cache PairCache
}

func NewCached(inner MapProvider, c PairCache) *Cached {
	return &Cached{MapProvider: inner, cache: c}
}

func (c *Cached) DurationMatrix(ctx context.Context, nodes []Node) ([][]time.Duration, error) {
	pairs := make([]Pair, 0, len(nodes)*len(nodes))
	for _, a := range nodes {
		for _, b := range nodes {
			if a.ID != b.ID {
				pairs = append(pairs, Pair{From: a.ID, To: b.ID})
			}
		}
	}
	hit, err := c.cache.GetMany(ctx, pairs)
	if err != nil {
		log.Warn().Err(err).Msg("duration cache lookup failed")
		hit = nil
	}
	if len(hit) == len(pairs) {
		m := make([][]time.Duration, len(nodes))
		for i, a := range nodes {
			m[i] = make([]time.Duration, len(nodes))
			for j, b := range nodes {
				if a.ID != b.ID {
					m[i][j] = hit[Pair{From: a.ID, To: b.ID}]
				}
			}
		}
		return m, nil
	}
	m, err := c.MapProvider.DurationMatrix(ctx, nodes)
	if err != nil {
		return nil, err
	}
	fresh := make(map[Pair]time.Duration, len(pairs)-len(hit))
	for i, a := range nodes {
		for j, b := range nodes {
			p := Pair{From: a.ID, To: b.ID}
			if a.ID == b.ID {
				continue
			}
			if _, ok := hit[p]; !ok {
				fresh[p] = m[i][j]
			}
		}
	}
	if len(fresh) > 0 {
		if err := c.cache.PutMany(ctx, fresh); err != nil {
			log.Warn().Err(err).Int("pairs", len(fresh)).Msg("duration cache store failed")
		}
	}
	return m, nil
}
