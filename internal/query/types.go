package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalancesResponse lists every bucket of one account.
type BalancesResponse struct {
	Account   string          `json:"account"`
	Spendable decimal.Decimal `json:"spendable"`
	Locked    decimal.Decimal `json:"locked"`
	Bonus     decimal.Decimal `json:"bonus"`
	// Versions per bucket, for clients polling for change
	Versions map[string]int64 `json:"versions"`
}

// EntryResponse is one ledger row.
type EntryResponse struct {
	ID            uuid.UUID       `json:"id"`
	Account       string          `json:"account"`
	Type          string          `json:"type"`
	Direction     string          `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Version       int64           `json:"version"`
	CorrelationID string          `json:"correlation_id"`
	SourceAccount string          `json:"source_account,omitempty"`
	Level         int             `json:"level,omitempty"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RoundSummary is one finished round. ServerSeed is the revealed seed.
type RoundSummary struct {
	RoundID     uuid.UUID       `json:"round_id"`
	CrashPoint  decimal.Decimal `json:"crash_point"`
	SeedHash    string          `json:"seed_hash,omitempty"`
	ServerSeed  string          `json:"server_seed,omitempty"`
	ClientSeed  string          `json:"client_seed,omitempty"`
	Nonce       uint64          `json:"nonce,omitempty"`
	BetCount    int             `json:"bet_count"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	TotalPayout decimal.Decimal `json:"total_payout"`
	CrashedAt   time.Time       `json:"crashed_at,omitempty"`
}

// IntegrityReport is the result of reconciling every account.
type IntegrityReport struct {
	IsHealthy bool     `json:"is_healthy"`
	Checked   int      `json:"checked"`
	Broken    []string `json:"broken,omitempty"`
}
