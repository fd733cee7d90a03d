package aggregate

import (
	"cmp"
	"context"
	"slices"

	"github.com/smallbiznis/fieldtrack/internal/clock"
	"github.com/smallbiznis/fieldtrack/internal/location/directory"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	obsmetrics "github.com/smallbiznis/fieldtrack/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const nameLookupConcurrency = 8

type BuilderParam struct {
	fx.In

	DB       *gorm.DB
	Repo     domain.Repository
	Clock    clock.Clock
	Resolver *directory.Resolver
	Log      *zap.Logger
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Builder computes the fleet view straight from the store.
type Builder struct {
	db       *gorm.DB
	repo     domain.Repository
	clock    clock.Clock
	resolver *directory.Resolver
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
}

func NewBuilder(p BuilderParam) *Builder {
	return &Builder{
		db:       p.DB,
		repo:     p.Repo,
		clock:    p.Clock,
		resolver: p.Resolver,
		log:      p.Log.Named("location.aggregate"),
		metrics:  p.Metrics,
	}
}

// Build returns one entry per entity whose newest record is not stale, ordered
// by observedAt descending then entity ID.
func (b *Builder) Build(ctx context.Context) (domain.Aggregate, error) {
	now := b.clock.Now().UTC()

	rows, err := b.repo.FindLatestPerEntitySince(ctx, b.db, now.Add(-domain.StaleAfter))
	if err != nil {
		b.log.Error("failed to load latest positions", zap.Error(err))
		return domain.Aggregate{}, domain.StoreError(err)
	}

	entries := make([]domain.AggregateEntry, 0, len(rows))
	for _, row := range rows {
		status, ok := domain.Classify(row.ObservedAt, now).Status()
		if !ok {
			continue
		}
		entries = append(entries, domain.AggregateEntry{
			EntityID:     row.EntityID,
			Status:       status,
			Latitude:     row.Latitude,
			Longitude:    row.Longitude,
			Accuracy:     row.Accuracy,
			ObservedAt:   row.ObservedAt.UTC(),
			BatteryLevel: row.BatteryLevel,
		})
	}

	slices.SortStableFunc(entries, func(a, b domain.AggregateEntry) int {
		if c := b.ObservedAt.Compare(a.ObservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	var g errgroup.Group
	g.SetLimit(nameLookupConcurrency)
	for i := range entries {
		g.Go(func() error {
			entries[i].Name = b.resolver.Name(ctx, entries[i].EntityID)
			return nil
		})
	}
	_ = g.Wait()

	b.metrics.RecordAggregateBuild(ctx, len(entries))
	return domain.Aggregate{AsOf: now, Entries: entries}, nil
}
