package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/smallbiznis/fieldtrack/internal/clock"
)

// EntityWindow is the minimum spacing between accepted writes of one entity.
const EntityWindow = 30 * time.Second

// Decision is the outcome of a window check.
type Decision struct {
	Allowed     bool
	WaitSeconds int
}

// FixedWindow allows one event per Window, measured from the previous event.
type FixedWindow struct {
	Window time.Duration
}

// Decide compares now against the previous event time. A zero last means the
// entity has no previous event.
func (w FixedWindow) Decide(last, now time.Time) Decision {
	if last.IsZero() {
		return Decision{Allowed: true}
	}
	elapsed := now.Sub(last)
	if elapsed >= w.Window {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed:     false,
		WaitSeconds: int(math.Ceil((w.Window - elapsed).Seconds())),
	}
}

// LastAcceptedFunc returns the server time at which the entity's most recent
// write was accepted, or the zero time when there is none.
type LastAcceptedFunc func(ctx context.Context, entityID string) (time.Time, error)

// EntityWindowLimiter enforces FixedWindow per entity without keeping state:
// the store's newest record is the only memory.
type EntityWindowLimiter struct {
	window       FixedWindow
	clock        clock.Clock
	lastAccepted LastAcceptedFunc
}

func NewEntityWindowLimiter(window time.Duration, clk clock.Clock, lastAccepted LastAcceptedFunc) *EntityWindowLimiter {
	if window <= 0 {
		window = EntityWindow
	}
	return &EntityWindowLimiter{
		window:       FixedWindow{Window: window},
		clock:        clk,
		lastAccepted: lastAccepted,
	}
}

// Check reads the entity's last accepted write and decides. Store errors are
// returned as-is and never count as a decision.
func (l *EntityWindowLimiter) Check(ctx context.Context, entityID string) (Decision, error) {
	last, err := l.lastAccepted(ctx, entityID)
	if err != nil {
		return Decision{}, err
	}
	return l.window.Decide(last, l.clock.Now()), nil
}

func (l *EntityWindowLimiter) Window() time.Duration {
	return l.window.Window
}
