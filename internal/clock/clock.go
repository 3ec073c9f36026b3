// Package clock provides the server's single source of "now".
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides time information for elapsed-time computation.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// Authority hands out UTC instants that never move backwards within the
// process, even if the underlying wall clock is stepped.
type Authority struct {
	base clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

// NewAuthority wraps base. A nil base uses the real clock.
func NewAuthority(base clockwork.Clock) *Authority {
	if base == nil {
		base = clockwork.NewRealClock()
	}
	return &Authority{base: base}
}

// Now returns the current instant in UTC.
func (a *Authority) Now() time.Time {
	now := a.base.Now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	if now.Before(a.last) {
		return a.last
	}
	a.last = now
	return now
}

// Base exposes the wrapped clock for timers and tickers.
func (a *Authority) Base() clockwork.Clock {
	return a.base
}
