package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		age        time.Duration
		want       Freshness
		wantStatus Status
		listed     bool
	}{
		{name: "just now", age: 0, want: FreshnessFresh, wantStatus: StatusAvailable, listed: true},
		{name: "clock skew", age: -10 * time.Second, want: FreshnessFresh, wantStatus: StatusAvailable, listed: true},
		{name: "under five minutes", age: 4*time.Minute + 59*time.Second, want: FreshnessFresh, wantStatus: StatusAvailable, listed: true},
		{name: "exactly five minutes", age: 5 * time.Minute, want: FreshnessActiveNotFresh, wantStatus: StatusBusy, listed: true},
		{name: "under fifteen minutes", age: 14*time.Minute + 59*time.Second, want: FreshnessActiveNotFresh, wantStatus: StatusBusy, listed: true},
		{name: "exactly fifteen minutes", age: 15 * time.Minute, want: FreshnessStale, listed: false},
		{name: "an hour", age: time.Hour, want: FreshnessStale, listed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(now.Add(-tt.age), now)
			assert.Equal(t, tt.want, got)

			status, listed := got.Status()
			assert.Equal(t, tt.listed, listed)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestPositionRecordFlags(t *testing.T) {
	low, ok := 15, 85
	r := PositionRecord{Accuracy: 10, BatteryLevel: &low}
	assert.True(t, r.IsLowBattery(DefaultLowBatteryPercent))
	assert.True(t, r.IsHighAccuracy(DefaultHighAccuracyMeters))

	r = PositionRecord{Accuracy: 10.5, BatteryLevel: &ok}
	assert.False(t, r.IsLowBattery(DefaultLowBatteryPercent))
	assert.False(t, r.IsHighAccuracy(DefaultHighAccuracyMeters))

	r = PositionRecord{Accuracy: 3}
	assert.False(t, r.IsLowBattery(DefaultLowBatteryPercent))
}

func TestAggregateEntryPosition(t *testing.T) {
	low := 12
	entry := AggregateEntry{EntityID: "tech-1", Latitude: 39.7817, Longitude: -89.6501, Accuracy: 4, BatteryLevel: &low}

	pos := entry.Position()
	assert.Equal(t, "tech-1", pos.EntityID)
	assert.Equal(t, 39.7817, pos.Coordinate().Latitude)
	assert.Equal(t, -89.6501, pos.Coordinate().Longitude)
	assert.True(t, pos.IsLowBattery(DefaultLowBatteryPercent))
	assert.True(t, pos.IsHighAccuracy(DefaultHighAccuracyMeters))
}

func TestAggregateCloneIsDeep(t *testing.T) {
	battery := 50
	a := Aggregate{Entries: []AggregateEntry{{EntityID: "tech-1", BatteryLevel: &battery}}}
	c := a.Clone()

	c.Entries[0].EntityID = "changed"
	*c.Entries[0].BatteryLevel = 1

	assert.Equal(t, "tech-1", a.Entries[0].EntityID)
	assert.Equal(t, 50, battery)
}

func TestRateLimitError(t *testing.T) {
	var err error = &RateLimitError{EntityID: "tech-1", WaitSeconds: 20}
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, "Rate limit exceeded. Please wait 20 seconds before updating location again.", err.Error())
}

func TestStoreError(t *testing.T) {
	assert.Nil(t, StoreError(nil))
	assert.ErrorIs(t, StoreError(assert.AnError), ErrStoreUnavailable)
	assert.ErrorIs(t, StoreError(assert.AnError), assert.AnError)
	assert.False(t, IsValidationError(StoreError(assert.AnError)))
	assert.True(t, IsValidationError(ErrInvalidAccuracy))
}
