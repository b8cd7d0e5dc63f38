package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"CrashLedger/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Command subjects are crash.<room>.cmd.<account>.<type>. The account
// segment is written by the session gateway after authentication.
func CommandSubject(room, account string, kind event.Kind) string {
	return fmt.Sprintf("crash.%s.cmd.%s.%s", room, account, kind)
}

func CommandSubjectFilter(room string) string {
	return fmt.Sprintf("crash.%s.cmd.>", room)
}

// OutboundSubject routes a message to the room or to one account.
func OutboundSubject(msg event.Outbound) string {
	if msg.Broadcast() {
		return fmt.Sprintf("crash.%s.out.room.%s", msg.Room, msg.Kind)
	}
	return fmt.Sprintf("crash.%s.out.user.%s.%s", msg.Room, msg.Account, msg.Kind)
}

// ParseSubject splits a command subject into room, account and kind.
func ParseSubject(subject string) (room, account string, kind event.Kind, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 5 || parts[0] != "crash" || parts[2] != "cmd" {
		return "", "", "", fmt.Errorf("malformed command subject %q", subject)
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", "", fmt.Errorf("empty room or account in %q", subject)
	}
	kind = event.Kind(parts[4])
	if !kind.Inbound() {
		return "", "", "", fmt.Errorf("unknown command %q", parts[4])
	}
	return parts[1], parts[3], kind, nil
}

// ParseRawEvent decodes a command message into an envelope.
func ParseRawEvent(raw RawEvent) (event.Envelope, error) {
	room, account, kind, err := ParseSubject(raw.Subject)
	if err != nil {
		return event.Envelope{}, err
	}

	env := event.Envelope{
		Kind:       kind,
		Room:       room,
		Account:    account,
		ReceivedAt: raw.Timestamp,
	}

	switch kind {
	case event.KindPlaceBet:
		env.RequestID, env.Command, err = parsePlaceBet(raw.Data)
	case event.KindCashOut:
		env.RequestID, env.Command, err = parseCashOut(raw.Data)
	case event.KindVerifyFairness:
		env.RequestID, env.Command, err = parseVerifyFairness(raw.Data)
	}
	if err != nil {
		return event.Envelope{}, err
	}
	return env, nil
}

// --- JSON wire formats ---
// Amounts and multipliers are accepted as JSON strings or numbers.

type placeBetJSON struct {
	RequestID string          `json:"request_id"`
	Game      string          `json:"game"`
	Amount    decimal.Decimal `json:"amount"`
	Choice    string          `json:"choice"`
}

func parsePlaceBet(data []byte) (string, *event.PlaceBet, error) {
	var j placeBetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", nil, fmt.Errorf("parse place_bet: %w", err)
	}
	if j.Amount.Sign() <= 0 {
		return "", nil, fmt.Errorf("parse place_bet: amount must be positive")
	}
	game := j.Game
	if game == "" {
		game = "crash"
	}
	return j.RequestID, &event.PlaceBet{Game: game, Amount: j.Amount, Choice: j.Choice}, nil
}

type cashOutJSON struct {
	RequestID  string          `json:"request_id"`
	PositionID string          `json:"position_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func parseCashOut(data []byte) (string, *event.CashOut, error) {
	var j cashOutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", nil, fmt.Errorf("parse cash_out: %w", err)
	}
	id, err := uuid.Parse(j.PositionID)
	if err != nil {
		return "", nil, fmt.Errorf("parse position_id: %w", err)
	}
	if j.Multiplier.Sign() < 0 {
		return "", nil, fmt.Errorf("parse cash_out: negative multiplier")
	}
	return j.RequestID, &event.CashOut{PositionID: id, Multiplier: j.Multiplier}, nil
}

type verifyFairnessJSON struct {
	RequestID  string `json:"request_id"`
	ServerSeed string `json:"server_seed"`
	ClientSeed string `json:"client_seed"`
	Nonce      uint64 `json:"nonce"`
	SeedHash   string `json:"seed_hash"`
}

func parseVerifyFairness(data []byte) (string, *event.VerifyFairness, error) {
	var j verifyFairnessJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", nil, fmt.Errorf("parse verify_fairness: %w", err)
	}
	if j.ServerSeed == "" {
		return "", nil, fmt.Errorf("parse verify_fairness: server_seed required")
	}
	return j.RequestID, &event.VerifyFairness{
		ServerSeed: j.ServerSeed,
		ClientSeed: j.ClientSeed,
		Nonce:      j.Nonce,
		SeedHash:   j.SeedHash,
	}, nil
}
