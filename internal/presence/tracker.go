package presence

import (
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

// Tracker remembers when each account was last active. Active counts the
// accounts seen within the TTL; it drives the commission tier.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	ttl      time.Duration
	now      func() time.Time
}

func NewTracker(ttl time.Duration, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{lastSeen: make(map[string]time.Time), ttl: ttl, now: now}
}

// Touch marks account active now.
func (t *Tracker) Touch(account string) {
	t.mu.Lock()
	t.lastSeen[account] = t.now()
	t.mu.Unlock()
}

// Active returns the number of accounts seen within the TTL, dropping the
// stale ones as it goes.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	n := 0
	for acct, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			delete(t.lastSeen, acct)
			continue
		}
		n++
	}
	return n
}
