package pool

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type flowEvent struct {
	at     time.Time
	amount decimal.Decimal
}

// FlowControl caps payouts over a trailing window:
// sum(payouts in window) + next ≤ cap × totalLiquidity.
type FlowControl struct {
	mu     sync.Mutex
	window time.Duration
	cap    decimal.Decimal
	events []flowEvent
	total  decimal.Decimal
	now    func() time.Time
}

func NewFlowControl(window time.Duration, cap decimal.Decimal, now func() time.Time) *FlowControl {
	if now == nil {
		now = time.Now
	}
	return &FlowControl{window: window, cap: cap, now: now}
}

// Reserve admits amount against the window if it fits under the cap and
// records it. release undoes the reservation when the payout is abandoned.
func (f *FlowControl) Reserve(amount, totalLiquidity decimal.Decimal) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.pruneLocked(now)

	if f.total.Add(amount).GreaterThan(f.cap.Mul(totalLiquidity)) {
		return func() {}, false
	}

	ev := flowEvent{at: now, amount: amount}
	f.events = append(f.events, ev)
	f.total = f.total.Add(amount)

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(ev) })
	}, true
}

func (f *FlowControl) remove(ev flowEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.events {
		if e.at.Equal(ev.at) && e.amount.Equal(ev.amount) {
			f.events = append(f.events[:i], f.events[i+1:]...)
			f.total = f.total.Sub(ev.amount)
			return
		}
	}
}

// Prune drops events that left the window and returns the window total.
func (f *FlowControl) Prune() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(f.now())
	return f.total
}

func (f *FlowControl) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.events) && !f.events[i].at.After(cutoff) {
		f.total = f.total.Sub(f.events[i].amount)
		i++
	}
	if i > 0 {
		f.events = append(f.events[:0], f.events[i:]...)
	}
}
