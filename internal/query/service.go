package query

import (
	"context"
	"fmt"
	"sort"

	"CrashLedger/internal/crash"
	"CrashLedger/internal/event"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/outcome"

	"github.com/shopspring/decimal"
)

// Rounds is the live round source.
type Rounds interface {
	State() event.RoundState
	History() []decimal.Decimal
}

// RoundArchive reads finished rounds from durable storage.
type RoundArchive interface {
	Recent(ctx context.Context, limit int) ([]crash.RoundRecord, error)
}

// QueryService serves read-only views of balances, entries and rounds.
// Balances and entries are read from the ledger store directly; history
// comes from the archive when one is configured, else from the engine.
type QueryService struct {
	ledger  *ledger.Ledger
	rounds  Rounds
	archive RoundArchive
}

func NewQueryService(l *ledger.Ledger, rounds Rounds, archive RoundArchive) *QueryService {
	return &QueryService{ledger: l, rounds: rounds, archive: archive}
}

// GetBalances returns every player bucket of account.
func (qs *QueryService) GetBalances(ctx context.Context, account string) (*BalancesResponse, error) {
	resp := &BalancesResponse{Account: account, Versions: make(map[string]int64, len(ledger.UserBuckets))}
	for _, b := range ledger.UserBuckets {
		bal, err := qs.ledger.Store().GetBalance(ctx, ledger.UserKey(account, b))
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", b, err)
		}
		resp.Versions[b.String()] = bal.Version
		switch b {
		case ledger.BucketSpendable:
			resp.Spendable = bal.Amount
		case ledger.BucketLocked:
			resp.Locked = bal.Amount
		case ledger.BucketBonus:
			resp.Bonus = bal.Amount
		}
	}
	return resp, nil
}

// ListEntries returns account's entries across all buckets, newest first,
// at most limit of them.
func (qs *QueryService) ListEntries(ctx context.Context, account string, limit int) ([]EntryResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var all []ledger.Entry
	for _, b := range ledger.UserBuckets {
		entries, err := qs.ledger.Store().Entries(ctx, ledger.UserKey(account, b))
		if err != nil {
			return nil, fmt.Errorf("entries %s: %w", b, err)
		}
		all = append(all, entries...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]EntryResponse, 0, len(all))
	for _, e := range all {
		out = append(out, EntryResponse{
			ID:            e.ID,
			Account:       e.Account.AccountPath(),
			Type:          string(e.Type),
			Direction:     e.Direction.String(),
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			Version:       e.Version,
			CorrelationID: e.CorrelationID,
			SourceAccount: e.SourceAccount,
			Level:         e.Level,
			Fee:           e.Fee,
			CreatedAt:     e.CreatedAt,
		})
	}
	return out, nil
}

// CurrentRound returns the live round state.
func (qs *QueryService) CurrentRound() event.RoundState {
	return qs.rounds.State()
}

// RoundHistory returns recent finished rounds, newest first.
func (qs *QueryService) RoundHistory(ctx context.Context, limit int) ([]RoundSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = crash.DefaultHistorySize
	}

	if qs.archive == nil {
		points := qs.rounds.History()
		if len(points) > limit {
			points = points[:limit]
		}
		out := make([]RoundSummary, 0, len(points))
		for _, p := range points {
			out = append(out, RoundSummary{CrashPoint: p})
		}
		return out, nil
	}

	recs, err := qs.archive.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("round archive: %w", err)
	}
	out := make([]RoundSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, RoundSummary{
			RoundID:     r.RoundID,
			CrashPoint:  r.CrashPoint,
			SeedHash:    r.SeedHash,
			ServerSeed:  r.ServerSeed,
			ClientSeed:  r.ClientSeed,
			Nonce:       r.Nonce,
			BetCount:    r.BetCount,
			TotalStake:  r.TotalStake,
			TotalPayout: r.TotalPayout,
			CrashedAt:   r.CrashedAt,
		})
	}
	return out, nil
}

// VerifyFairness recomputes a natural crash point from revealed seeds.
func (qs *QueryService) VerifyFairness(req outcome.VerifyRequest) (outcome.VerifyResult, error) {
	return outcome.Verify(req)
}

// --- Admin APIs ---

// VerifyIntegrity reconciles every account against its entry history.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	keys, err := qs.ledger.Store().Accounts(ctx)
	if err != nil {
		return nil, err
	}
	broken, err := qs.ledger.ReconcileAll(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{Checked: len(keys), IsHealthy: len(broken) == 0}
	for _, k := range broken {
		report.Broken = append(report.Broken, k.AccountPath())
	}
	return report, nil
}
