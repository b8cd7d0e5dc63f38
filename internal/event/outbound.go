package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoundState is broadcast on every phase change. CrashPoint and ServerSeed
// stay empty until the round has crashed.
type RoundState struct {
	RoundID    uuid.UUID         `json:"round_id"`
	State      string            `json:"state"`
	StartTime  time.Time         `json:"start_time"`
	CrashPoint *decimal.Decimal  `json:"crash_point,omitempty"`
	ServerTime time.Time         `json:"server_time"`
	History    []decimal.Decimal `json:"history"`
	SeedHash   string            `json:"seed_hash"`
	Signature  string            `json:"signature,omitempty"`
	ServerSeed string            `json:"server_seed,omitempty"`
	ClientSeed string            `json:"client_seed"`
	Nonce      uint64            `json:"nonce"`
	GrowthRate float64           `json:"growth_rate"`
}

type BetAccepted struct {
	PositionID uuid.UUID       `json:"position_id"`
	RoundID    uuid.UUID       `json:"round_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type CashOutSuccess struct {
	PositionID uuid.UUID       `json:"position_id"`
	WinAmount  decimal.Decimal `json:"win_amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Spendable  decimal.Decimal `json:"spendable"`
	Locked     decimal.Decimal `json:"locked"`
}

// PublicBet and PublicWin are room broadcasts; Player is masked.
type PublicBet struct {
	Player string          `json:"player"`
	Amount decimal.Decimal `json:"amount"`
}

type PublicWin struct {
	Player     string          `json:"player"`
	Amount     decimal.Decimal `json:"amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// PlayResult answers a decision-game bet.
type PlayResult struct {
	PlayID     uuid.UUID       `json:"play_id"`
	Choice     string          `json:"choice"`
	Roll       float64         `json:"roll"`
	Won        bool            `json:"won"`
	Payout     decimal.Decimal `json:"payout"`
	Blocked    bool            `json:"blocked,omitempty"`
	SeedHash   string          `json:"seed_hash"`
	ServerSeed string          `json:"server_seed"`
	Nonce      uint64          `json:"nonce"`
}

type VerifyResult struct {
	SeedHash    string          `json:"seed_hash"`
	HashMatches bool            `json:"hash_matches"`
	CrashPoint  decimal.Decimal `json:"crash_point"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Mask hides an account name for public broadcasts: the first two
// characters followed by ***.
func Mask(account string) string {
	r := []rune(account)
	if len(r) > 2 {
		r = r[:2]
	}
	return string(r) + "***"
}
