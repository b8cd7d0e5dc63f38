package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceBet stakes Amount on the current round. Choice is only read by the
// decision game.
type PlaceBet struct {
	Game   string
	Amount decimal.Decimal
	Choice string
}

func (*PlaceBet) Kind() Kind { return KindPlaceBet }

// CashOut settles PositionID at Multiplier. A zero multiplier means "now".
type CashOut struct {
	PositionID uuid.UUID
	Multiplier decimal.Decimal
}

func (*CashOut) Kind() Kind { return KindCashOut }

// VerifyFairness recomputes a revealed round's natural crash point.
type VerifyFairness struct {
	ServerSeed string
	ClientSeed string
	Nonce      uint64
	SeedHash   string
}

func (*VerifyFairness) Kind() Kind { return KindVerifyFairness }
