package service

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fieldtrack/internal/clock"
	"github.com/smallbiznis/fieldtrack/internal/config"
	"github.com/smallbiznis/fieldtrack/internal/geo"
	"github.com/smallbiznis/fieldtrack/internal/location/aggregate"
	"github.com/smallbiznis/fieldtrack/internal/location/directory"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/smallbiznis/fieldtrack/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fieldtrack/internal/observability/metrics"
	"github.com/smallbiznis/fieldtrack/internal/ratelimit"
	"github.com/smallbiznis/fieldtrack/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	rateLimitEndpoint     = "location_ingest"
	denyReasonWindow      = "entity_window"
	denyReasonEntityLock  = "entity_lock"
	denyReasonEndpointCap = "endpoint_bucket"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Resolver  *directory.Resolver
	Aggregate *aggregate.Cache
	Policy    *config.TrackingPolicyHolder
	Guard     *ratelimit.IngestGuard `optional:"true"`
	Metrics   *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	resolver  *directory.Resolver
	aggregate *aggregate.Cache
	policy    *config.TrackingPolicyHolder
	guard     *ratelimit.IngestGuard
	limiter   *ratelimit.EntityWindowLimiter
	metrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	s := &Service{
		db:  p.DB,
		log: p.Log.Named("location.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		resolver:  p.Resolver,
		aggregate: p.Aggregate,
		policy:    p.Policy,
		guard:     p.Guard,
		metrics:   p.Metrics,
	}
	s.limiter = ratelimit.NewEntityWindowLimiter(ratelimit.EntityWindow, p.Clock, s.lastRecordedAt)
	return s
}

func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.PositionRecord, error) {
	now := s.clock.Now().UTC()

	entityID, err := normalizeEntityID(req.EntityID)
	if err != nil {
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeInvalid)
		return nil, err
	}
	req.EntityID = entityID
	if err := validateIngest(req, now); err != nil {
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeInvalid)
		return nil, err
	}

	log := logger.WithEntity(logger.WithContext(ctx, s.log), entityID)

	if err := s.resolver.CheckActive(ctx, entityID); err != nil {
		if errors.Is(err, domain.ErrUnknownEntity) || errors.Is(err, domain.ErrEntityInactive) {
			s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeRejected)
			return nil, err
		}
		log.Error("failed to check entity status", zap.Error(err))
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeStoreError)
		return nil, err
	}

	if err := s.allowEndpoint(ctx, log, entityID); err != nil {
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeRateLimited)
		return nil, err
	}

	token, locked, err := s.guard.LockEntity(ctx, entityID)
	switch {
	case err != nil:
		log.Warn("entity lock unavailable, continuing without it", zap.Error(err))
	case !locked:
		s.metrics.RecordRateLimitDenied(ctx, rateLimitEndpoint, denyReasonEntityLock)
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeRateLimited)
		return nil, &domain.RateLimitError{
			EntityID:    entityID,
			WaitSeconds: int(s.limiter.Window().Seconds()),
		}
	default:
		defer func() {
			if err := s.guard.ReleaseEntity(context.WithoutCancel(ctx), entityID, token); err != nil {
				log.Warn("failed to release entity lock", zap.Error(err))
			}
		}()
	}

	decision, err := s.limiter.Check(ctx, entityID)
	if err != nil {
		log.Error("failed to read latest position", zap.Error(err))
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeStoreError)
		return nil, domain.StoreError(err)
	}
	if !decision.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, rateLimitEndpoint, denyReasonWindow)
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeRateLimited)
		return nil, &domain.RateLimitError{EntityID: entityID, WaitSeconds: decision.WaitSeconds}
	}
	s.metrics.RecordRateLimitAllowed(ctx, rateLimitEndpoint)

	observedAt := now
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	record := &domain.PositionRecord{
		ID:           s.genID.Generate(),
		EntityID:     entityID,
		Latitude:     *req.Latitude,
		Longitude:    *req.Longitude,
		Accuracy:     *req.Accuracy,
		BatteryLevel: req.BatteryLevel,
		ObservedAt:   observedAt.Truncate(time.Microsecond),
		RecordedAt:   now.Truncate(time.Microsecond),
	}
	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		log.Error("failed to insert position record", zap.Error(err))
		s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeStoreError)
		return nil, domain.StoreError(err)
	}

	s.metrics.RecordLocationIngest(ctx, obsmetrics.IngestOutcomeAccepted)
	log.Debug("position recorded", zap.String("record_id", record.ID.String()))
	return record, nil
}

// allowEndpoint applies the service-wide ingest bucket. Redis failures let the
// request through.
func (s *Service) allowEndpoint(ctx context.Context, log *zap.Logger, entityID string) error {
	if !s.guard.Enabled() {
		return nil
	}
	res, err := s.guard.AllowIngest(ctx)
	if err != nil {
		log.Warn("ingest rate limiter unavailable, continuing without it", zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}

	s.metrics.RecordRateLimitDenied(ctx, rateLimitEndpoint, denyReasonEndpointCap)
	wait := int(math.Ceil(res.RetryAfter.Seconds()))
	if wait < 1 {
		wait = 1
	}
	return &domain.RateLimitError{EntityID: entityID, WaitSeconds: wait}
}

// lastRecordedAt keys the window on server receive time. observedAt may be
// supplied by the caller and cannot be trusted for spacing writes.
func (s *Service) lastRecordedAt(ctx context.Context, entityID string) (time.Time, error) {
	last, err := s.repo.FindLastRecordedByEntity(ctx, s.db, entityID)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return last.RecordedAt, nil
}

func (s *Service) GetLatest(ctx context.Context, entityID string) (*domain.PositionRecord, error) {
	id, err := normalizeEntityID(entityID)
	if err != nil {
		return nil, err
	}

	record, err := s.repo.FindLatestByEntity(ctx, s.db, id)
	if err != nil {
		logger.WithEntity(logger.WithContext(ctx, s.log), id).Error("failed to read latest position", zap.Error(err))
		return nil, domain.StoreError(err)
	}
	if record == nil {
		return nil, domain.ErrLocationNotFound
	}
	return record, nil
}

func (s *Service) ListHistory(ctx context.Context, req domain.HistoryRequest) (domain.HistoryResponse, error) {
	id, err := normalizeEntityID(req.EntityID)
	if err != nil {
		return domain.HistoryResponse{}, err
	}
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return domain.HistoryResponse{}, domain.ErrInvalidTimeRange
	}

	pageSize := pagination.NormalizePageSize(req.PageSize)
	filter := domain.HistoryFilter{
		EntityID: id,
		From:     req.From,
		To:       req.To,
		Limit:    pageSize + 1,
	}
	if req.PageToken != "" {
		observedAt, cursorID, err := decodeHistoryCursor(req.PageToken)
		if err != nil {
			return domain.HistoryResponse{}, err
		}
		filter.CursorObservedAt = &observedAt
		filter.CursorID = cursorID
	}

	rows, err := s.repo.ListByEntity(ctx, s.db, filter)
	if err != nil {
		logger.WithEntity(logger.WithContext(ctx, s.log), id).Error("failed to list position history", zap.Error(err))
		return domain.HistoryResponse{}, domain.StoreError(err)
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, pageSize, func(r *domain.PositionRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:         r.ID.String(),
			ObservedAt: r.ObservedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	records := make([]domain.PositionRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, *r)
	}
	return domain.HistoryResponse{PageInfo: *pageInfo, Records: records}, nil
}

func decodeHistoryCursor(token string) (time.Time, int64, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return time.Time{}, 0, domain.ErrInvalidPageToken
	}
	observedAt, err := time.Parse(time.RFC3339Nano, cursor.ObservedAt)
	if err != nil {
		return time.Time{}, 0, domain.ErrInvalidPageToken
	}
	id, err := strconv.ParseInt(cursor.ID, 10, 64)
	if err != nil {
		return time.Time{}, 0, domain.ErrInvalidPageToken
	}
	return observedAt.UTC(), id, nil
}

// ListActive returns the cached fleet view.
func (s *Service) ListActive(ctx context.Context) (domain.Aggregate, error) {
	return s.aggregate.Get(ctx)
}

func (s *Service) ListNearby(ctx context.Context, req domain.NearbyRequest) ([]domain.NearbyEntry, error) {
	if err := validateCoordinate(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	radius := policy.NearbyRadiusKm
	if req.RadiusKm != nil {
		radius = *req.RadiusKm
	}
	if !finite(radius) || radius <= 0 || radius > policy.MaxNearbyRadiusKm {
		return nil, domain.ErrInvalidRadius
	}

	agg, err := s.aggregate.Get(ctx)
	if err != nil {
		return nil, err
	}

	origin := &geo.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
	out := make([]domain.NearbyEntry, 0)
	for _, entry := range agg.Entries {
		pos := entry.Position()
		distance := geo.DistanceKm(origin, pos.Coordinate())
		if !geo.Defined(distance) || distance > radius {
			continue
		}
		out = append(out, domain.NearbyEntry{
			AggregateEntry: entry,
			DistanceKm:     distance,
			LowBattery:     pos.IsLowBattery(policy.LowBatteryPercent),
			HighAccuracy:   pos.IsHighAccuracy(policy.HighAccuracyMeters),
		})
	}

	slices.SortStableFunc(out, func(a, b domain.NearbyEntry) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return out, nil
}
