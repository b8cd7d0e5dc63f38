package referral_test

import (
	"context"
	"fmt"
	"testing"

	"CrashLedger/internal/ledger"
	"CrashLedger/internal/referral"
	"CrashLedger/internal/store"
	"CrashLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// chain registers player <- up1 <- up2 <- ... <- upN.
func chain(t *testing.T, s interface {
	Register(ctx context.Context, account, code, uplineCode string) error
}, n int) {
	t.Helper()
	ctx := context.Background()
	for i := n; i >= 1; i-- {
		upline := ""
		if i < n {
			upline = fmt.Sprintf("CODE%d", i+1)
		}
		if err := s.Register(ctx, fmt.Sprintf("up%d", i), fmt.Sprintf("CODE%d", i), upline); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Register(ctx, "player", "PLAYER", "CODE1"); err != nil {
		t.Fatal(err)
	}
}

func TestDistribute_FiveLevels(t *testing.T) {
	s := store.NewMemoryStore()
	chain(t, s, 5)
	l := ledger.New(s)
	f := referral.NewFanout(l, s, referral.DefaultRates(), "referral_fund", zerolog.Nop(), nil)
	ctx := context.Background()

	credits, err := f.Distribute(ctx, s, "player", d("100"), "bet-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2", "1", "1", "0.5", "0.5"}
	if len(credits) != len(want) {
		t.Fatalf("got %d credits, want %d", len(credits), len(want))
	}
	for i, c := range credits {
		if c.Level != i+1 || c.Account != fmt.Sprintf("up%d", i+1) || !c.Amount.Equal(d(want[i])) {
			t.Errorf("level %d: %+v, want %s to up%d", i+1, c, want[i], i+1)
		}
		bal, _ := l.Balance(ctx, ledger.UserKey(c.Account, ledger.BucketBonus))
		if !bal.Equal(d(want[i])) {
			t.Errorf("%s bonus = %s", c.Account, bal)
		}
	}

	fund, _ := l.Balance(ctx, ledger.SystemKey("referral_fund"))
	if !fund.Equal(d("-5")) {
		t.Errorf("funding reservoir = %s, want -5", fund)
	}
	if !f.MaxTotal(d("100")).Equal(d("5")) {
		t.Errorf("MaxTotal = %s", f.MaxTotal(d("100")))
	}

	// Same correlation id: nothing new is credited.
	if _, err := f.Distribute(ctx, s, "player", d("100"), "bet-1"); err != nil {
		t.Fatal(err)
	}
	if bal, _ := l.Balance(ctx, ledger.UserKey("up1", ledger.BucketBonus)); !bal.Equal(d("2")) {
		t.Errorf("replay credited up1 again: %s", bal)
	}
}

func TestDistribute_BrokenLinkStopsWalk(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Register(ctx, "up2", "CODE2", "MISSING"))
	must(s.Register(ctx, "up1", "CODE1", "CODE2"))
	must(s.Register(ctx, "player", "PLAYER", "CODE1"))

	l := ledger.New(s)
	f := referral.NewFanout(l, s, referral.DefaultRates(), "referral_fund", zerolog.Nop(), nil)
	credits, err := f.Distribute(ctx, s, "player", d("100"), "bet-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 2 {
		t.Fatalf("got %d credits, want 2 (link at level 3 is broken)", len(credits))
	}
}

func TestDistribute_CycleEndsWalk(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.Register(ctx, "a", "A", "B"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, "b", "B", "A"); err != nil {
		t.Fatal(err)
	}

	f := referral.NewFanout(ledger.New(s), s, referral.DefaultRates(), "referral_fund", zerolog.Nop(), nil)
	credits, err := f.Distribute(ctx, s, "a", d("100"), "bet-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 1 || credits[0].Account != "b" {
		t.Errorf("credits = %+v, want one credit to b", credits)
	}
}

func TestDistribute_InsideSQLTransaction(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	chain(t, s, 3)
	l := ledger.New(s)
	f := referral.NewFanout(l, s, referral.DefaultRates(), "referral_fund", zerolog.Nop(), nil)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	credits, err := f.Distribute(ctx, tx, "player", d("100"), "bet-4")
	if err != nil {
		tx.Rollback()
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(credits) != 3 {
		t.Fatalf("got %d credits, want 3", len(credits))
	}
	if bal, _ := l.Balance(ctx, ledger.UserKey("up3", ledger.BucketBonus)); !bal.Equal(d("1")) {
		t.Errorf("up3 bonus = %s, want 1", bal)
	}
}
