package domain

import "time"

// AggregateEntry is one active entity in the fleet view.
type AggregateEntry struct {
	EntityID     string    `json:"entityId"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy"`
	ObservedAt   time.Time `json:"observedAt"`
	BatteryLevel *int      `json:"batteryLevel"`
}

// Position returns a record view of the entry so fleet listings share the
// record's distance and threshold helpers.
func (e AggregateEntry) Position() PositionRecord {
	return PositionRecord{
		EntityID:     e.EntityID,
		Latitude:     e.Latitude,
		Longitude:    e.Longitude,
		Accuracy:     e.Accuracy,
		BatteryLevel: e.BatteryLevel,
		ObservedAt:   e.ObservedAt,
	}
}

// Aggregate is the fleet view as computed at AsOf. It may lag the store by up
// to one cache TTL.
type Aggregate struct {
	AsOf    time.Time
	Entries []AggregateEntry
}

// Clone copies the entry slice so callers cannot mutate a shared value.
func (a Aggregate) Clone() Aggregate {
	out := Aggregate{AsOf: a.AsOf}
	if a.Entries != nil {
		out.Entries = make([]AggregateEntry, len(a.Entries))
		copy(out.Entries, a.Entries)
		for i := range out.Entries {
			if b := out.Entries[i].BatteryLevel; b != nil {
				v := *b
				out.Entries[i].BatteryLevel = &v
			}
		}
	}
	return out
}

// PlaceholderName is shown when the identity directory cannot name an entity.
func PlaceholderName(entityID string) string {
	return "Technician " + entityID
}

// NearbyEntry is an aggregate entry annotated with its distance to a point.
type NearbyEntry struct {
	AggregateEntry
	DistanceKm   float64 `json:"distanceKm"`
	LowBattery   bool    `json:"lowBattery"`
	HighAccuracy bool    `json:"highAccuracy"`
}
