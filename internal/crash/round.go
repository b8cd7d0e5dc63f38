package crash

import (
	"math"
	"time"

	"CrashLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Phase of a round.
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseFlying
	PhaseCrashed
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "WAITING"
	case PhaseFlying:
		return "FLYING"
	case PhaseCrashed:
		return "CRASHED"
	}
	return "UNKNOWN"
}

const DefaultHistorySize = 20

// Round is the engine's view of the current cycle. committed is fixed when
// the round starts flying; CrashPoint is only exposed once it has crashed.
type Round struct {
	ID         uuid.UUID
	Phase      Phase
	StartedAt  time.Time // start of the current phase
	FlyingAt   time.Time
	CrashedAt  time.Time
	CrashPoint decimal.Decimal

	SeedHash   string
	Signature  string
	ServerSeed string // revealed after the crash
	ClientSeed string
	Nonce      uint64

	serverSeed string
	natural    decimal.Decimal
	committed  decimal.Decimal
	adjustment string
}

// Committed reports the settlement multiplier and whether it is fixed yet.
func (r Round) Committed() (decimal.Decimal, bool) {
	return r.committed, r.Phase != PhaseWaiting
}

// History is a bounded ring of past crash points, oldest dropped first.
type History struct {
	buf  []decimal.Decimal
	next int
	full bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]decimal.Decimal, size)}
}

func (h *History) Push(m decimal.Decimal) {
	h.buf[h.next] = m
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// Values returns the stored multipliers, newest first.
func (h *History) Values() []decimal.Decimal {
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]decimal.Decimal, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, h.buf[(h.next-i+len(h.buf))%len(h.buf)])
	}
	return out
}

// MultiplierAt is the flight curve e^(k·t), floored to two places.
func MultiplierAt(elapsed time.Duration, k float64) decimal.Decimal {
	if elapsed <= 0 {
		return money.One
	}
	return money.FloorMultiplier(decimal.NewFromFloat(math.Exp(k * elapsed.Seconds())))
}

// FlightDuration is how long the curve takes to reach m: ln(m)/k.
func FlightDuration(m decimal.Decimal, k float64) time.Duration {
	f := m.InexactFloat64()
	if f <= 1 || k <= 0 {
		return 0
	}
	return time.Duration(math.Log(f) / k * float64(time.Second))
}
