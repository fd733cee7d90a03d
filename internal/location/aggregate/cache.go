// Package aggregate serves the fleet-wide view of active entities. The view is
// cached for a fixed TTL and writes do not invalidate it, so it can lag the
// store by up to one TTL; Aggregate.AsOf tells callers how old it is.
package aggregate

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/fieldtrack/internal/cache"
	"github.com/smallbiznis/fieldtrack/internal/clock"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	obsmetrics "github.com/smallbiznis/fieldtrack/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	TTL        = 30 * time.Second
	MaxEntries = 100

	activeKey = "active_entities"
	cacheName = "location_aggregate"
)

type BuildFunc func(ctx context.Context) (domain.Aggregate, error)

// Cache holds the last built aggregate under a single key. Concurrent misses
// share one build; failed builds are never stored.
type Cache struct {
	entries cache.Cache[string, domain.Aggregate]
	group   singleflight.Group
	build   BuildFunc
	ttl     time.Duration
}

func NewCache(build BuildFunc, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		entries: cache.NewTTLCache[string, domain.Aggregate](
			cache.WithMaxEntries(MaxEntries),
			cache.WithNow(clk.Now),
		),
		build: build,
		ttl:   TTL,
	}
}

// Get returns the cached aggregate, building it on a miss. Each caller gets its
// own copy of the entries.
func (c *Cache) Get(ctx context.Context) (domain.Aggregate, error) {
	if agg, ok := c.entries.Get(activeKey); ok {
		return agg.Clone(), nil
	}

	v, err, _ := c.group.Do(activeKey, func() (any, error) {
		// a build that has started completes even if the first caller goes away
		agg, err := c.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.entries.Set(activeKey, agg, c.ttl)
		return agg, nil
	})
	if err != nil {
		return domain.Aggregate{}, err
	}
	return v.(domain.Aggregate).Clone(), nil
}

func (c *Cache) Stats() cache.Stats {
	return c.entries.Stats()
}

type CacheParam struct {
	fx.In

	Builder       *Builder
	Clock         clock.Clock
	Log           *zap.Logger
	MetricsConfig obsmetrics.Config     `optional:"true"`
	Registerer    prometheus.Registerer `optional:"true"`
}

// Provide builds the aggregate cache and exposes its hit, miss and eviction
// counters when a Prometheus registerer is available.
func Provide(p CacheParam) (*Cache, error) {
	c := NewCache(p.Builder.Build, p.Clock)
	if p.Registerer == nil {
		return c, nil
	}
	err := obsmetrics.RegisterCacheStats(p.MetricsConfig, p.Registerer, cacheName, func() (uint64, uint64, uint64) {
		s := c.Stats()
		return s.Hits, s.Misses, s.Evictions
	})
	if err != nil {
		p.Log.Error("failed to register aggregate cache metrics", zap.Error(err))
		return nil, err
	}
	return c, nil
}
