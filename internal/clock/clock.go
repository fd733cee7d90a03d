package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the source of "now" for everything that makes time-based decisions.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New returns the wall clock, always in UTC.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
