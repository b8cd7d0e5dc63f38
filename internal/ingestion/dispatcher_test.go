package ingestion_test

import (
	"context"
	"sync"
	"testing"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/crash"
	"CrashLedger/internal/decision"
	"CrashLedger/internal/event"
	"CrashLedger/internal/ingestion"
	"CrashLedger/internal/outcome"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeBets struct {
	placeErr error
	cashErr  error
	placed   []string
}

func (f *fakeBets) PlaceBet(_ context.Context, account string, _ decimal.Decimal) (crash.Bet, error) {
	f.placed = append(f.placed, account)
	return crash.Bet{}, f.placeErr
}

func (f *fakeBets) CashOut(context.Context, string, uuid.UUID, decimal.Decimal) (crash.Settlement, error) {
	return crash.Settlement{}, f.cashErr
}

type fakePlays struct{}

func (fakePlays) Play(_ context.Context, account string, amount decimal.Decimal, choice string) (decision.Result, error) {
	return decision.Result{Account: account, Stake: amount, Choice: choice, Won: true, Payout: amount.Mul(decimal.NewFromInt(2))}, nil
}

type capture struct {
	mu   sync.Mutex
	msgs []event.Outbound
}

func (c *capture) Publish(msg event.Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *capture) last(t *testing.T) event.Outbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("nothing published")
	}
	return c.msgs[len(c.msgs)-1]
}

func TestDispatcher_RejectionRepliesWithCode(t *testing.T) {
	bets := &fakeBets{placeErr: apperr.ErrRoundStateMismatch}
	out := &capture{}
	d := ingestion.NewDispatcher(bets, nil, out, zerolog.Nop(), nil)

	acked := false
	raw := rawFromJSON(t, "crash.crash.cmd.alice.place_bet", map[string]interface{}{"amount": "10", "request_id": "r-9"})
	raw.AckFunc = func() { acked = true }
	d.HandleRaw(context.Background(), raw)

	if !acked {
		t.Error("business rejection must still ack")
	}
	msg := out.last(t)
	if msg.Kind != event.KindError || msg.Account != "alice" || msg.RequestID != "r-9" {
		t.Fatalf("got %+v", msg)
	}
	if e := msg.Payload.(event.Error); e.Code != string(apperr.CodeRoundStateMismatch) {
		t.Errorf("code: got %q", e.Code)
	}
}

func TestDispatcher_StoreOutageNaks(t *testing.T) {
	bets := &fakeBets{cashErr: apperr.ErrStoreUnavailable}
	d := ingestion.NewDispatcher(bets, nil, &capture{}, zerolog.Nop(), nil)

	acked, naked := false, false
	raw := rawFromJSON(t, "crash.crash.cmd.alice.cash_out", map[string]interface{}{"position_id": uuid.NewString()})
	raw.AckFunc = func() { acked = true }
	raw.NakFunc = func() { naked = true }
	d.HandleRaw(context.Background(), raw)

	if acked || !naked {
		t.Errorf("acked=%v naked=%v, want nak only", acked, naked)
	}
}

func TestDispatcher_MalformedIsAcked(t *testing.T) {
	d := ingestion.NewDispatcher(&fakeBets{}, nil, &capture{}, zerolog.Nop(), nil)
	acked := false
	d.HandleRaw(context.Background(), ingestion.RawEvent{
		Subject: "crash.crash.cmd.alice.place_bet",
		Data:    []byte("garbage"),
		AckFunc: func() { acked = true },
	})
	if !acked {
		t.Error("malformed command should be acked and dropped")
	}
}

func TestDispatcher_DecisionGameReplies(t *testing.T) {
	out := &capture{}
	d := ingestion.NewDispatcher(&fakeBets{}, fakePlays{}, out, zerolog.Nop(), nil)
	raw := rawFromJSON(t, "crash.crash.cmd.bob.place_bet", map[string]interface{}{
		"amount": "5", "game": "decision", "choice": "low",
	})
	d.HandleRaw(context.Background(), raw)

	msg := out.last(t)
	if msg.Kind != event.KindPlayResult {
		t.Fatalf("got kind %s", msg.Kind)
	}
	res := msg.Payload.(event.PlayResult)
	if !res.Won || !res.Payout.Equal(decimal.NewFromInt(10)) {
		t.Errorf("got %+v", res)
	}
}

func TestDispatcher_VerifyFairness(t *testing.T) {
	out := &capture{}
	d := ingestion.NewDispatcher(&fakeBets{}, nil, out, zerolog.Nop(), nil)
	seed := "server-seed"
	raw := rawFromJSON(t, "crash.crash.cmd.carol.verify_fairness", map[string]interface{}{
		"server_seed": seed,
		"client_seed": "client",
		"nonce":       3,
		"seed_hash":   outcome.HashSeed(seed),
	})
	d.HandleRaw(context.Background(), raw)

	res := out.last(t).Payload.(event.VerifyResult)
	if !res.HashMatches {
		t.Error("hash should match")
	}
	want := outcome.CrashPoint(outcome.Seeds{ServerSeed: seed, ClientSeed: "client", Nonce: 3})
	if !res.CrashPoint.Equal(want) {
		t.Errorf("crash point: got %s, want %s", res.CrashPoint, want)
	}
}
