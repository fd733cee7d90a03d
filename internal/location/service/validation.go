package service

import (
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/fieldtrack/internal/location/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var fieldErrors = map[string]error{
	"EntityID":     domain.ErrInvalidEntity,
	"Latitude":     domain.ErrInvalidLatitude,
	"Longitude":    domain.ErrInvalidLongitude,
	"Accuracy":     domain.ErrInvalidAccuracy,
	"BatteryLevel": domain.ErrInvalidBatteryLevel,
	"ObservedAt":   domain.ErrInvalidObservedAt,
}

// validateIngest checks ranges before anything touches the store or the rate
// limiter. Expects EntityID to be trimmed already.
func validateIngest(req domain.IngestRequest, now time.Time) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if mapped, ok := fieldErrors[verrs[0].StructField()]; ok {
				return mapped
			}
		}
		return err
	}

	// validator passes +Inf through "gt" checks
	switch {
	case !finite(*req.Latitude):
		return domain.ErrInvalidLatitude
	case !finite(*req.Longitude):
		return domain.ErrInvalidLongitude
	case !finite(*req.Accuracy):
		return domain.ErrInvalidAccuracy
	}

	if req.ObservedAt != nil {
		if req.ObservedAt.IsZero() || req.ObservedAt.After(now) {
			return domain.ErrInvalidObservedAt
		}
	}
	return nil
}

func validateCoordinate(lat, lon *float64) error {
	if lat == nil || !finite(*lat) || *lat < -90 || *lat > 90 {
		return domain.ErrInvalidLatitude
	}
	if lon == nil || !finite(*lon) || *lon < -180 || *lon > 180 {
		return domain.ErrInvalidLongitude
	}
	return nil
}

func normalizeEntityID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || utf8.RuneCountInString(id) > domain.MaxEntityIDLength {
		return "", domain.ErrInvalidEntity
	}
	return id, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
