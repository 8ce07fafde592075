package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	warned     bool
}

// throttle keeps one token bucket per user so a single chat cannot flood the
// handlers.
type throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[int64]*userLimiter
	now      func() time.Time
}

func newThrottle(perSec float64, burst int) *throttle {
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &throttle{limit: limit, burst: burst, limiters: make(map[int64]*userLimiter), now: time.Now}
}

// allow reports whether the user may be served now. warn is true only for the
// first rejection after an allowed update, so a burst gets one notice.
func (t *throttle) allow(userID int64) (ok, warn bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ul, ok := t.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[userID] = ul
	}
	ul.lastAccess = now
	if ul.limiter.AllowN(now, 1) {
		ul.warned = false
		return true, false
	}
	warn = !ul.warned
	ul.warned = true
	return false, warn
}

func (t *throttle) prune(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-idle)
	removed := 0
	for id, ul := range t.limiters {
		if ul.lastAccess.Before(cutoff) {
			delete(t.limiters, id)
			removed++
		}
	}
	return removed
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
