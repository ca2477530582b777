// Package ids provides the broker's clock and request-identifier source.
//
// Birth times, deadline timestamps and latencies are read from a Clock so
// tests can substitute a fake one; the deadline timers themselves fire on
// real time. Request ids are opaque, globally unique strings handed to
// handlers and echoed back on response frames.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the current time used for record timestamps and
// latency samples. It does not drive the deadline timers, which run on
// real time. The zero value is not usable; use RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock, backed by time.Now.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewRequestID mints a new opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
