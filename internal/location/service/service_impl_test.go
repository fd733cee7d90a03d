package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	gocmp "github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/smallbiznis/fieldtrack/internal/cache"
	"github.com/smallbiznis/fieldtrack/internal/clock"
	"github.com/smallbiznis/fieldtrack/internal/config"
	"github.com/smallbiznis/fieldtrack/internal/identity"
	"github.com/smallbiznis/fieldtrack/internal/location/aggregate"
	"github.com/smallbiznis/fieldtrack/internal/location/directory"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/smallbiznis/fieldtrack/internal/location/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// -- Mocks --

type directoryMock struct {
	mock.Mock
}

func (m *directoryMock) Lookup(ctx context.Context, entityID string) (identity.EntityInfo, error) {
	args := m.Called(ctx, entityID)
	return args.Get(0).(identity.EntityInfo), args.Error(1)
}

// failingRepo fails every call with err.
type failingRepo struct {
	err error
}

func (r failingRepo) Insert(context.Context, *gorm.DB, *domain.PositionRecord) error {
	return r.err
}

func (r failingRepo) FindLatestByEntity(context.Context, *gorm.DB, string) (*domain.PositionRecord, error) {
	return nil, r.err
}

func (r failingRepo) FindLastRecordedByEntity(context.Context, *gorm.DB, string) (*domain.PositionRecord, error) {
	return nil, r.err
}

func (r failingRepo) FindLatestPerEntitySince(context.Context, *gorm.DB, time.Time) ([]domain.PositionRecord, error) {
	return nil, r.err
}

func (r failingRepo) ListByEntity(context.Context, *gorm.DB, domain.HistoryFilter) ([]*domain.PositionRecord, error) {
	return nil, r.err
}

// -- Fixture --

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   domain.Service
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	directory identity.Directory
	repo      domain.Repository
}

func withDirectory(d identity.Directory) fixtureOption {
	return func(c *fixtureConfig) { c.directory = d }
}

func withRepo(r domain.Repository) fixtureOption {
	return func(c *fixtureConfig) { c.repo = r }
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&domain.PositionRecord{}))
	return db
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{repo: repository.Provide(nil)}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := setupDB(t)
	clk := clock.NewFakeClock(base)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()

	resolver := directory.NewResolver(directory.ResolverParam{
		Directory: cfg.directory,
		Cache:     cache.NewEntityResolverCache(0),
		Log:       log,
	})
	builder := aggregate.NewBuilder(aggregate.BuilderParam{
		DB:       db,
		Repo:     cfg.repo,
		Clock:    clk,
		Resolver: resolver,
		Log:      log,
	})

	svc := NewService(ServiceParam{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      cfg.repo,
		Resolver:  resolver,
		Aggregate: aggregate.NewCache(builder.Build, clk),
		Policy:    config.NewStaticTrackingPolicyHolder(config.DefaultTrackingPolicy()),
	})
	return &fixture{db: db, clock: clk, svc: svc}
}

func ptr[T any](v T) *T { return &v }

func ingestReq(entityID string, lat, lon, acc float64) domain.IngestRequest {
	return domain.IngestRequest{
		EntityID:  entityID,
		Latitude:  ptr(lat),
		Longitude: ptr(lon),
		Accuracy:  ptr(acc),
	}
}

func countRecords(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.PositionRecord{}).Count(&n).Error)
	return n
}

// -- Tests --

func TestIngestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	observedAt := base.Add(-2 * time.Minute)
	req := ingestReq("tech-1", 39.7817, -89.6501, 5)
	req.BatteryLevel = ptr(64)
	req.ObservedAt = &observedAt

	created, err := f.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.WithinDuration(t, base, created.RecordedAt, 0)

	got, err := f.svc.GetLatest(ctx, "tech-1")
	require.NoError(t, err)

	want := domain.PositionRecord{
		ID:           created.ID,
		EntityID:     "tech-1",
		Latitude:     39.7817,
		Longitude:    -89.6501,
		Accuracy:     5,
		BatteryLevel: ptr(64),
		ObservedAt:   observedAt,
		RecordedAt:   base,
	}
	if diff := gocmp.Diff(want, *got, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Fatalf("stored record mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestDefaultsObservedAtToNow(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), ingestReq(" tech-1 ", 0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "tech-1", created.EntityID)
	assert.WithinDuration(t, base, created.ObservedAt, 0)
	assert.Nil(t, created.BatteryLevel)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	future := base.Add(time.Second)

	tests := []struct {
		name    string
		req     domain.IngestRequest
		wantErr error
	}{
		{name: "missing entity", req: ingestReq("  ", 0, 0, 1), wantErr: domain.ErrInvalidEntity},
		{name: "latitude above range", req: ingestReq("e", 90.0001, 0, 1), wantErr: domain.ErrInvalidLatitude},
		{name: "latitude below range", req: ingestReq("e", -91, 0, 1), wantErr: domain.ErrInvalidLatitude},
		{name: "longitude above range", req: ingestReq("e", 0, 180.5, 1), wantErr: domain.ErrInvalidLongitude},
		{name: "longitude below range", req: ingestReq("e", 0, -181, 1), wantErr: domain.ErrInvalidLongitude},
		{name: "zero accuracy", req: ingestReq("e", 0, 0, 0), wantErr: domain.ErrInvalidAccuracy},
		{name: "negative accuracy", req: ingestReq("e", 0, 0, -3), wantErr: domain.ErrInvalidAccuracy},
		{name: "missing latitude", req: domain.IngestRequest{EntityID: "e", Longitude: ptr(0.0), Accuracy: ptr(1.0)}, wantErr: domain.ErrInvalidLatitude},
		{name: "missing accuracy", req: domain.IngestRequest{EntityID: "e", Latitude: ptr(0.0), Longitude: ptr(0.0)}, wantErr: domain.ErrInvalidAccuracy},
		{
			name: "battery above range",
			req: func() domain.IngestRequest {
				r := ingestReq("e", 0, 0, 1)
				r.BatteryLevel = ptr(101)
				return r
			}(),
			wantErr: domain.ErrInvalidBatteryLevel,
		},
		{
			name: "observed in the future",
			req: func() domain.IngestRequest {
				r := ingestReq("e", 0, 0, 1)
				r.ObservedAt = &future
				return r
			}(),
			wantErr: domain.ErrInvalidObservedAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for range 2 {
				_, err := f.svc.Ingest(context.Background(), tt.req)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, domain.IsValidationError(err))
			}
			assert.Zero(t, countRecords(t, f.db))
		})
	}
}

func TestInvalidInputDoesNotConsumeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("tech-1", 120, 0, 1))
	require.ErrorIs(t, err, domain.ErrInvalidLatitude)

	_, err = f.svc.Ingest(ctx, ingestReq("tech-1", 12, 0, 1))
	assert.NoError(t, err)
}

func TestIngestWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	require.NoError(t, err)

	f.clock.Advance(29 * time.Second)
	_, err = f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	var limited *domain.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 1, limited.WaitSeconds)
	assert.Equal(t, "tech-1", limited.EntityID)

	f.clock.Advance(time.Second)
	_, err = f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), countRecords(t, f.db))
}

func TestIngestWindowIsPerEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, ingestReq("tech-2", 1, 1, 1))
	assert.NoError(t, err)
}

func TestIngestWindowIgnoresBackdatedObservedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 5; i++ {
		observedAt := base.Add(-time.Hour + time.Duration(i)*time.Second)
		req := ingestReq("tech-1", 1, 1, 1)
		req.ObservedAt = &observedAt

		_, err := f.svc.Ingest(ctx, req)
		if err == nil {
			accepted++
			continue
		}
		var limited *domain.RateLimitError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 30, limited.WaitSeconds)
	}

	assert.Equal(t, 1, accepted)
	assert.Equal(t, int64(1), countRecords(t, f.db))

	f.clock.Advance(30 * time.Second)
	older := base.Add(-2 * time.Hour)
	req := ingestReq("tech-1", 1, 1, 1)
	req.ObservedAt = &older
	_, err := f.svc.Ingest(ctx, req)
	assert.NoError(t, err)
}

func TestIngestScenarioE1(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, ingestReq("E1", 39.7817, -89.6501, 5.0))
	require.NoError(t, err)

	latest, err := f.svc.GetLatest(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
	assert.Equal(t, 39.7817, latest.Latitude)
	assert.Equal(t, -89.6501, latest.Longitude)
	assert.Equal(t, 5.0, latest.Accuracy)

	f.clock.Advance(10 * time.Second)
	_, err = f.svc.Ingest(ctx, ingestReq("E1", 39.7820, -89.6505, 5.0))
	require.ErrorIs(t, err, domain.ErrRateLimited)
	var limited *domain.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 20, limited.WaitSeconds)
	assert.Equal(t, "Rate limit exceeded. Please wait 20 seconds before updating location again.", limited.Error())

	f.clock.Advance(21 * time.Second)
	second, err := f.svc.Ingest(ctx, ingestReq("E1", 39.7830, -89.6510, 4.0))
	require.NoError(t, err)

	latest, err = f.svc.GetLatest(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, 39.7830, latest.Latitude)
}

func TestGetLatestNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetLatest(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrLocationNotFound)

	_, err = f.svc.GetLatest(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidEntity)
}

func TestStoreErrorsPropagate(t *testing.T) {
	driverErr := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	f := newFixture(t, withRepo(failingRepo{err: driverErr}))
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, driverErr)

	_, err = f.svc.GetLatest(ctx, "tech-1")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = f.svc.ListActive(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = f.svc.ListHistory(ctx, domain.HistoryRequest{EntityID: "tech-1"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestIngestDirectoryChecks(t *testing.T) {
	dir := new(directoryMock)
	dir.On("Lookup", mock.Anything, "active").Return(identity.EntityInfo{ID: "active", Status: "ACTIVE"}, nil)
	dir.On("Lookup", mock.Anything, "retired").Return(identity.EntityInfo{ID: "retired", Status: "INACTIVE"}, nil)
	dir.On("Lookup", mock.Anything, "ghost").Return(identity.EntityInfo{}, identity.ErrEntityNotFound)
	dir.On("Lookup", mock.Anything, "offline").Return(identity.EntityInfo{}, identity.ErrServiceUnavailable).Once()

	f := newFixture(t, withDirectory(dir))
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("active", 1, 1, 1))
	assert.NoError(t, err)

	_, err = f.svc.Ingest(ctx, ingestReq("retired", 1, 1, 1))
	assert.ErrorIs(t, err, domain.ErrEntityInactive)

	_, err = f.svc.Ingest(ctx, ingestReq("ghost", 1, 1, 1))
	assert.ErrorIs(t, err, domain.ErrUnknownEntity)

	// directory outage: accepted without validation, one lookup only
	_, err = f.svc.Ingest(ctx, ingestReq("offline", 1, 1, 1))
	assert.NoError(t, err)

	assert.Equal(t, int64(2), countRecords(t, f.db))
	dir.AssertExpectations(t)
}

func TestListActiveLagsWritesByOneTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, ingestReq("tech-1", 1, 1, 1))
	require.NoError(t, err)

	first, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, first.Entries, 1)

	f.clock.Advance(5 * time.Second)
	_, err = f.svc.Ingest(ctx, ingestReq("tech-2", 2, 2, 2))
	require.NoError(t, err)

	cached, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	f.clock.Advance(aggregate.TTL)
	refreshed, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, refreshed.Entries, 2)
	assert.Equal(t, "tech-2", refreshed.Entries[0].EntityID)
	assert.Equal(t, base.Add(5*time.Second+aggregate.TTL), refreshed.AsOf)
}

func TestListActiveFreshnessBoundaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ages := map[string]time.Duration{
		"just-fresh": 4*time.Minute + 59*time.Second,
		"just-busy":  5 * time.Minute,
		"last-busy":  14*time.Minute + 59*time.Second,
		"stale":      15 * time.Minute,
	}
	for id, age := range ages {
		observedAt := base.Add(-age)
		req := ingestReq(id, 1, 1, 1)
		req.ObservedAt = &observedAt
		_, err := f.svc.Ingest(ctx, req)
		require.NoError(t, err)
	}

	agg, err := f.svc.ListActive(ctx)
	require.NoError(t, err)

	got := map[string]domain.Status{}
	for _, e := range agg.Entries {
		got[e.EntityID] = e.Status
	}
	assert.Equal(t, map[string]domain.Status{
		"just-fresh": domain.StatusAvailable,
		"just-busy":  domain.StatusBusy,
		"last-busy":  domain.StatusBusy,
	}, got)
}

func TestListHistoryPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Ingest(ctx, ingestReq("tech-1", float64(i), 0, 1))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	page, err := f.svc.ListHistory(ctx, domain.HistoryRequest{EntityID: "tech-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextPageToken)
	assert.Equal(t, 4.0, page.Records[0].Latitude)
	assert.Equal(t, 3.0, page.Records[1].Latitude)

	var seen []float64
	token := page.NextPageToken
	for token != "" {
		next, err := f.svc.ListHistory(ctx, domain.HistoryRequest{EntityID: "tech-1", PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, r := range next.Records {
			seen = append(seen, r.Latitude)
		}
		token = next.NextPageToken
	}
	assert.Equal(t, []float64{2, 1, 0}, seen)
}

func TestListHistoryRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListHistory(ctx, domain.HistoryRequest{EntityID: "tech-1", PageToken: "not-a-cursor"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)

	from := base
	to := base.Add(-time.Hour)
	_, err = f.svc.ListHistory(ctx, domain.HistoryRequest{EntityID: "tech-1", From: &from, To: &to})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)
}

func TestListNearby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Springfield, IL and two points roughly 2 km and 50 km away
	near := ingestReq("near", 39.7997, -89.6501, 5)
	near.BatteryLevel = ptr(15)
	_, err := f.svc.Ingest(ctx, near)
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, ingestReq("here", 39.7817, -89.6501, 25))
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, ingestReq("far", 40.2317, -89.6501, 5))
	require.NoError(t, err)

	entries, err := f.svc.ListNearby(ctx, domain.NearbyRequest{Latitude: ptr(39.7817), Longitude: ptr(-89.6501)})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "here", entries[0].EntityID)
	assert.InDelta(t, 0, entries[0].DistanceKm, 1e-9)
	assert.False(t, entries[0].HighAccuracy)
	assert.False(t, entries[0].LowBattery)

	assert.Equal(t, "near", entries[1].EntityID)
	assert.InDelta(t, 2.0, entries[1].DistanceKm, 0.01)
	assert.True(t, entries[1].HighAccuracy)
	assert.True(t, entries[1].LowBattery)

	entries, err = f.svc.ListNearby(ctx, domain.NearbyRequest{Latitude: ptr(39.7817), Longitude: ptr(-89.6501), RadiusKm: ptr(100.0)})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListNearbyRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListNearby(ctx, domain.NearbyRequest{Longitude: ptr(0.0)})
	assert.ErrorIs(t, err, domain.ErrInvalidLatitude)

	_, err = f.svc.ListNearby(ctx, domain.NearbyRequest{Latitude: ptr(0.0), Longitude: ptr(200.0)})
	assert.ErrorIs(t, err, domain.ErrInvalidLongitude)

	_, err = f.svc.ListNearby(ctx, domain.NearbyRequest{Latitude: ptr(0.0), Longitude: ptr(0.0), RadiusKm: ptr(0.0)})
	assert.ErrorIs(t, err, domain.ErrInvalidRadius)

	_, err = f.svc.ListNearby(ctx, domain.NearbyRequest{Latitude: ptr(0.0), Longitude: ptr(0.0), RadiusKm: ptr(1000.0)})
	assert.ErrorIs(t, err, domain.ErrInvalidRadius)
}
