package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/fieldtrack/pkg/db/pagination"
	"gorm.io/gorm"
)

const MaxEntityIDLength = 64

type IngestRequest struct {
	EntityID     string     `json:"entity_id" validate:"required,max=64"`
	Latitude     *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude    *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy     *float64   `json:"accuracy" validate:"required,gt=0"`
	BatteryLevel *int       `json:"battery_level" validate:"omitempty,gte=0,lte=100"`
	ObservedAt   *time.Time `json:"observed_at"`
}

type HistoryRequest struct {
	EntityID  string
	From      *time.Time
	To        *time.Time
	PageToken string
	PageSize  int
}

type HistoryResponse struct {
	pagination.PageInfo
	Records []PositionRecord `json:"records"`
}

type NearbyRequest struct {
	Latitude  *float64
	Longitude *float64
	RadiusKm  *float64
}

type Service interface {
	Ingest(context.Context, IngestRequest) (*PositionRecord, error)
	GetLatest(ctx context.Context, entityID string) (*PositionRecord, error)
	ListHistory(context.Context, HistoryRequest) (HistoryResponse, error)
	ListActive(context.Context) (Aggregate, error)
	ListNearby(context.Context, NearbyRequest) ([]NearbyEntry, error)
}

// HistoryFilter selects one entity's records in (observed_at, id) descending
// order, starting strictly after the cursor when one is set.
type HistoryFilter struct {
	EntityID         string
	From             *time.Time
	To               *time.Time
	CursorObservedAt *time.Time
	CursorID         int64
	Limit            int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *PositionRecord) error
	FindLatestByEntity(ctx context.Context, db *gorm.DB, entityID string) (*PositionRecord, error)
	FindLastRecordedByEntity(ctx context.Context, db *gorm.DB, entityID string) (*PositionRecord, error)
	FindLatestPerEntitySince(ctx context.Context, db *gorm.DB, since time.Time) ([]PositionRecord, error)
	ListByEntity(ctx context.Context, db *gorm.DB, filter HistoryFilter) ([]*PositionRecord, error)
}

var (
	ErrInvalidEntity       = errors.New("invalid_entity_id")
	ErrInvalidLatitude     = errors.New("invalid_latitude")
	ErrInvalidLongitude    = errors.New("invalid_longitude")
	ErrInvalidAccuracy     = errors.New("invalid_accuracy")
	ErrInvalidBatteryLevel = errors.New("invalid_battery_level")
	ErrInvalidObservedAt   = errors.New("invalid_observed_at")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidRadius       = errors.New("invalid_radius")

	ErrLocationNotFound = errors.New("location_not_found")
	ErrUnknownEntity    = errors.New("unknown_entity")
	ErrEntityInactive   = errors.New("entity_inactive")
	ErrRateLimited      = errors.New("rate_limited")
	ErrStoreUnavailable = errors.New("store_unavailable")
)

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidEntity,
		ErrInvalidLatitude,
		ErrInvalidLongitude,
		ErrInvalidAccuracy,
		ErrInvalidBatteryLevel,
		ErrInvalidObservedAt,
		ErrInvalidTimeRange,
		ErrInvalidPageToken,
		ErrInvalidRadius,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RateLimitError rejects a write that arrived inside the entity's window.
type RateLimitError struct {
	EntityID    string
	WaitSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before updating location again.", e.WaitSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StoreError wraps a failure of the underlying store.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
