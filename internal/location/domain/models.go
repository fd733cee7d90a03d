// Package domain contains the position model and the location service contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fieldtrack/internal/geo"
)

const (
	DefaultLowBatteryPercent  = 20
	DefaultHighAccuracyMeters = 10.0
)

// PositionRecord is one accepted position report. Records are append-only.
type PositionRecord struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	EntityID     string       `gorm:"type:varchar(64);not null;index:idx_position_records_entity_observed,priority:1;index:idx_position_records_entity_recorded,priority:1"`
	Latitude     float64      `gorm:"not null"`
	Longitude    float64      `gorm:"not null"`
	Accuracy     float64      `gorm:"not null"`
	BatteryLevel *int
	ObservedAt   time.Time `gorm:"not null;index:idx_position_records_entity_observed,priority:2;index:idx_position_records_observed_at"`
	RecordedAt   time.Time `gorm:"not null;index:idx_position_records_entity_recorded,priority:2"`
}

// TableName sets the database table name.
func (PositionRecord) TableName() string { return "position_records" }

// Coordinate returns the record's point for distance calculations.
func (r PositionRecord) Coordinate() *geo.Coordinate {
	return &geo.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude}
}

// IsLowBattery reports whether the last known battery level is under threshold.
// Unknown battery levels are never low.
func (r PositionRecord) IsLowBattery(threshold int) bool {
	return r.BatteryLevel != nil && *r.BatteryLevel < threshold
}

func (r PositionRecord) IsHighAccuracy(thresholdMeters float64) bool {
	return r.Accuracy <= thresholdMeters
}
