package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fieldtrack/internal/authorization"
	"github.com/smallbiznis/fieldtrack/internal/config"
	locationdomain "github.com/smallbiznis/fieldtrack/internal/location/domain"
	"github.com/smallbiznis/fieldtrack/internal/observability"
	"github.com/smallbiznis/fieldtrack/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var observedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeLocationService struct {
	ingestReq  locationdomain.IngestRequest
	ingestErr  error
	latest     map[string]*locationdomain.PositionRecord
	history    locationdomain.HistoryResponse
	historyReq locationdomain.HistoryRequest
	aggregate  locationdomain.Aggregate
	nearbyReq  locationdomain.NearbyRequest
	nearby     []locationdomain.NearbyEntry
	err        error
}

func (f *fakeLocationService) Ingest(ctx context.Context, req locationdomain.IngestRequest) (*locationdomain.PositionRecord, error) {
	f.ingestReq = req
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	at := observedAt
	if req.ObservedAt != nil {
		at = *req.ObservedAt
	}
	return &locationdomain.PositionRecord{
		ID:         snowflake.ID(42),
		EntityID:   req.EntityID,
		Latitude:   *req.Latitude,
		Longitude:  *req.Longitude,
		Accuracy:   *req.Accuracy,
		ObservedAt: at,
		RecordedAt: observedAt,
	}, nil
}

func (f *fakeLocationService) GetLatest(ctx context.Context, entityID string) (*locationdomain.PositionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.latest[entityID]
	if !ok {
		return nil, locationdomain.ErrLocationNotFound
	}
	return record, nil
}

func (f *fakeLocationService) ListHistory(ctx context.Context, req locationdomain.HistoryRequest) (locationdomain.HistoryResponse, error) {
	f.historyReq = req
	return f.history, f.err
}

func (f *fakeLocationService) ListActive(ctx context.Context) (locationdomain.Aggregate, error) {
	return f.aggregate, f.err
}

func (f *fakeLocationService) ListNearby(ctx context.Context, req locationdomain.NearbyRequest) ([]locationdomain.NearbyEntry, error) {
	f.nearbyReq = req
	return f.nearby, f.err
}

func newTestServer(t *testing.T, svc locationdomain.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	enforcer, err := authorization.NewEnforcer(authorization.EnforcerParams{})
	require.NoError(t, err)

	engine := NewEngine(observability.Config{}, nil)
	NewServer(ServerParams{
		Gin:         engine,
		Cfg:         config.Config{Environment: "test"},
		AuthzSvc:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		LocationSvc: svc,
	})
	return engine
}

func doRequest(engine *gin.Engine, method, path, entityID, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if entityID != "" {
		req.Header.Set(HeaderEntityID, entityID)
	}
	if role != "" {
		req.Header.Set(HeaderEntityRole, role)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestUpdateMyLocationCreated(t *testing.T) {
	svc := &fakeLocationService{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/entities/me/location", "E1", "", map[string]any{
		"latitude":     39.7817,
		"longitude":    -89.6501,
		"accuracy":     5.0,
		"batteryLevel": 77,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "42", got["recordId"])
	assert.Equal(t, "E1", got["entityId"])
	assert.Equal(t, 39.7817, got["latitude"])
	assert.Equal(t, -89.6501, got["longitude"])
	assert.Equal(t, "2025-06-01T12:00:00Z", got["observedAt"])
	assert.Equal(t, "Location updated successfully", got["message"])

	assert.Equal(t, "E1", svc.ingestReq.EntityID)
	require.NotNil(t, svc.ingestReq.BatteryLevel)
	assert.Equal(t, 77, *svc.ingestReq.BatteryLevel)
}

func TestUpdateMyLocationIgnoresClientObservedAt(t *testing.T) {
	svc := &fakeLocationService{}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/entities/me/location", "E1", "", map[string]any{
		"latitude":   1,
		"longitude":  1,
		"accuracy":   1,
		"observedAt": "2020-01-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Nil(t, svc.ingestReq.ObservedAt)
}

func TestUpdateMyLocationRateLimited(t *testing.T) {
	svc := &fakeLocationService{ingestErr: &locationdomain.RateLimitError{EntityID: "E1", WaitSeconds: 20}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/entities/me/location", "E1", "", map[string]any{
		"latitude": 1, "longitude": 1, "accuracy": 1,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "20", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"entityId":"E1","message":"Rate limit exceeded. Please wait 20 seconds before updating location again."}`, rec.Body.String())
}

func TestUpdateMyLocationValidation(t *testing.T) {
	svc := &fakeLocationService{ingestErr: locationdomain.ErrInvalidLatitude}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodPost, "/entities/me/location", "E1", "", map[string]any{
		"latitude": 123, "longitude": 1, "accuracy": 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var got errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "validation_error", got.Error.Type)
	require.Len(t, got.Error.Errors, 1)
	assert.Equal(t, "latitude", got.Error.Errors[0].Field)
	assert.Equal(t, "invalid_latitude", got.Error.Errors[0].Code)
}

func TestUpdateMyLocationMalformedBody(t *testing.T) {
	engine := newTestServer(t, &fakeLocationService{})

	req := httptest.NewRequest(http.MethodPost, "/entities/me/location", bytes.NewBufferString("{not json"))
	req.Header.Set(HeaderEntityID, "E1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingEntityHeader(t *testing.T) {
	engine := newTestServer(t, &fakeLocationService{})

	rec := doRequest(engine, http.MethodGet, "/entities/me/location", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMyLocation(t *testing.T) {
	svc := &fakeLocationService{latest: map[string]*locationdomain.PositionRecord{
		"E1": {ID: 7, EntityID: "E1", Latitude: 1.5, Longitude: 2.5, Accuracy: 3, ObservedAt: observedAt},
	}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/me/location", "E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recordId":"7","entityId":"E1","latitude":1.5,"longitude":2.5,"observedAt":"2025-06-01T12:00:00Z","message":"Location retrieved successfully"}`, rec.Body.String())

	rec = doRequest(engine, http.MethodGet, "/entities/me/location", "E2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreUnavailable(t *testing.T) {
	svc := &fakeLocationService{err: locationdomain.StoreError(fmt.Errorf("connection refused"))}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/me/location", "E1", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/entities/locations", "D1", "dispatcher", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListEntityLocationsRoleGate(t *testing.T) {
	battery := 55
	svc := &fakeLocationService{aggregate: locationdomain.Aggregate{
		AsOf: observedAt.Add(10 * time.Second),
		Entries: []locationdomain.AggregateEntry{{
			EntityID:     "E1",
			Name:         "Technician E1",
			Status:       locationdomain.StatusAvailable,
			Latitude:     39.7817,
			Longitude:    -89.6501,
			Accuracy:     5,
			ObservedAt:   observedAt,
			BatteryLevel: &battery,
		}},
	}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/locations", "E1", "technician", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, role := range []string{"dispatcher", "supervisor", "admin"} {
		rec = doRequest(engine, http.MethodGet, "/entities/locations", "D1", role, nil)
		require.Equal(t, http.StatusOK, rec.Code, role)
		assert.Equal(t, "2025-06-01T12:00:10Z", rec.Header().Get(HeaderAggregateAsOf))
		assert.JSONEq(t, `[{"entityId":"E1","name":"Technician E1","status":"available","latitude":39.7817,"longitude":-89.6501,"accuracy":5,"observedAt":"2025-06-01T12:00:00Z","batteryLevel":55}]`, rec.Body.String())
	}
}

func TestListEntityLocationsEmpty(t *testing.T) {
	engine := newTestServer(t, &fakeLocationService{})

	rec := doRequest(engine, http.MethodGet, "/entities/locations", "D1", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetEntityLocationRequiresElevatedRole(t *testing.T) {
	svc := &fakeLocationService{latest: map[string]*locationdomain.PositionRecord{
		"E1": {ID: 7, EntityID: "E1", ObservedAt: observedAt},
	}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/E1/location", "E2", "technician", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(engine, http.MethodGet, "/entities/E1/location", "D1", "dispatcher", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListMyLocationsParsesQuery(t *testing.T) {
	svc := &fakeLocationService{history: locationdomain.HistoryResponse{
		PageInfo: pagination.PageInfo{NextPageToken: "abc", HasMore: true},
		Records: []locationdomain.PositionRecord{
			{ID: 9, EntityID: "E1", Latitude: 1, Longitude: 2, Accuracy: 3, ObservedAt: observedAt, RecordedAt: observedAt},
		},
	}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/me/locations?from=2025-06-01&to=2025-06-01&page_size=10&page_token=xyz", "E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "E1", svc.historyReq.EntityID)
	assert.Equal(t, 10, svc.historyReq.PageSize)
	assert.Equal(t, "xyz", svc.historyReq.PageToken)
	require.NotNil(t, svc.historyReq.From)
	require.NotNil(t, svc.historyReq.To)
	assert.Equal(t, observedAt.Add(-12*time.Hour), *svc.historyReq.From)

	var got historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Data, 1)
	assert.Equal(t, "9", got.Data[0].RecordID)
	assert.True(t, got.PageInfo.HasMore)
	assert.Equal(t, "abc", got.PageInfo.NextPageToken)

	rec = doRequest(engine, http.MethodGet, "/entities/me/locations?from=yesterday", "E1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListNearbyEntities(t *testing.T) {
	svc := &fakeLocationService{nearby: []locationdomain.NearbyEntry{}}
	engine := newTestServer(t, svc)

	rec := doRequest(engine, http.MethodGet, "/entities/locations/nearby?lat=39.78&lng=-89.65&radius_km=5", "D1", "dispatcher", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.nearbyReq.Latitude)
	assert.Equal(t, 39.78, *svc.nearbyReq.Latitude)
	assert.Equal(t, -89.65, *svc.nearbyReq.Longitude)
	assert.Equal(t, 5.0, *svc.nearbyReq.RadiusKm)

	rec = doRequest(engine, http.MethodGet, "/entities/locations/nearby?lat=north&lng=1", "D1", "dispatcher", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
