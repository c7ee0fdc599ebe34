package logx

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines (stalls, late callbacks) so a hot loop
// cannot flood the sinks. Suppressed calls are counted and reported on the
// next allowed line.
type Throttle struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows one line per every interval, with the given burst.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	if every <= 0 {
		return &Throttle{lim: rate.NewLimiter(rate.Inf, burst)}
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Allow reports whether a line may be written now, and how many lines were
// dropped since the last allowed one.
func (t *Throttle) Allow() (bool, uint64) {
	if t == nil || t.lim == nil {
		return true, 0
	}
	if !t.lim.Allow() {
		t.suppressed.Add(1)
		return false, 0
	}
	return true, t.suppressed.Swap(0)
}
