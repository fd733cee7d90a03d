package domain

import "time"

const (
	FreshWindow = 5 * time.Minute
	StaleAfter  = 15 * time.Minute
)

type Freshness int

const (
	FreshnessFresh Freshness = iota
	FreshnessActiveNotFresh
	FreshnessStale
)

func (f Freshness) String() string {
	switch f {
	case FreshnessFresh:
		return "fresh"
	case FreshnessActiveNotFresh:
		return "active_not_fresh"
	default:
		return "stale"
	}
}

// Status is the availability label shown to dispatchers.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
)

// Classify buckets a position by age. Reports stamped slightly in the future
// count as fresh.
func Classify(observedAt, now time.Time) Freshness {
	age := now.Sub(observedAt)
	switch {
	case age < FreshWindow:
		return FreshnessFresh
	case age < StaleAfter:
		return FreshnessActiveNotFresh
	default:
		return FreshnessStale
	}
}

// Status maps a freshness class to its display label. Stale positions have no
// label and are left out of the fleet view.
func (f Freshness) Status() (Status, bool) {
	switch f {
	case FreshnessFresh:
		return StatusAvailable, true
	case FreshnessActiveNotFresh:
		return StatusBusy, true
	default:
		return "", false
	}
}
