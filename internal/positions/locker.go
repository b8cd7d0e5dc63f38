package positions

import (
	"sync"
	"time"
)

type lease struct {
	token   uint64
	expires time.Time
}

// KeyedLocker grants short-lived exclusive leases per key. A lease that is
// never released expires after ttl so a crashed handler cannot wedge an
// account.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]lease
	ttl  time.Duration
	seq  uint64
	now  func() time.Time
}

func NewKeyedLocker(ttl time.Duration, now func() time.Time) *KeyedLocker {
	if now == nil {
		now = time.Now
	}
	return &KeyedLocker{held: make(map[string]lease), ttl: ttl, now: now}
}

// TryLock takes the lease for key if it is free or expired. The returned
// unlock releases only this lease, never a later holder's.
func (k *KeyedLocker) TryLock(key string) (unlock func(), ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if l, busy := k.held[key]; busy && now.Before(l.expires) {
		return nil, false
	}

	k.seq++
	token := k.seq
	k.held[key] = lease{token: token, expires: now.Add(k.ttl)}

	return func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if l, ok := k.held[key]; ok && l.token == token {
			delete(k.held, key)
		}
	}, true
}

// Sweep drops expired leases.
func (k *KeyedLocker) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, l := range k.held {
		if !now.Before(l.expires) {
			delete(k.held, key)
			n++
		}
	}
	return n
}
