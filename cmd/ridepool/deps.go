package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"ridepool/internal/config"
	"ridepool/internal/metrics"
	"ridepool/internal/routing"
	"ridepool/internal/store"
)

// deps are the shared resources every command needs. close releases them.
type deps struct {
	cfg   config.Config
	store store.Store
	rdb   *redis.Client
	roads routing.MapProvider
	cache routing.PairCache
	close func()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.MigrateDir != "" {
		if err := pg.MigrateDir(ctx, cfg.MigrateDir); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}

// openRoads picks the road network: a local graph file is preferred over a remote routing
// service. One of them is required.
func openRoads(cfg config.Config) (routing.MapProvider, error) {
	switch {
	case cfg.GraphFile != "":
		region := strings.TrimSuffix(filepath.Base(cfg.GraphFile), filepath.Ext(cfg.GraphFile))
		return routing.NewRegistry(filepath.Dir(cfg.GraphFile)).Graph(region)
	case cfg.RoutingURL != "":
		return routing.NewRemote(cfg.RoutingURL, "driving", nil), nil
	default:
		return nil, errors.New("either RIDEPOOL_GRAPH_FILE or RIDEPOOL_ROUTING_URL must be set")
	}
}

func setup(c *cli.Context) (*deps, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	metrics.RegisterDefault()

	s, closeStore, err := openStore(c.Context, cfg)
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, store: s, close: closeStore}

	roads, err := openRoads(cfg)
	if err != nil {
		d.close()
		return nil, err
	}
	d.cache = routing.NewMemoryPairCache()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		d.rdb = redis.NewClient(opts)
		d.cache = routing.NewRedisPairCache(d.rdb, "default", 24*time.Hour)
		prev := d.close
		d.close = func() {
			_ = d.rdb.Close()
			prev()
		}
	}
	// the solver reads durations through d.cache; path and nearest-node lookups go straight to roads
	d.roads = roads
	return d, nil
}
