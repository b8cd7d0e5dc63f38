package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CrashLedger/internal/crash"
	"CrashLedger/internal/store"

	"github.com/shopspring/decimal"
)

const roundColumns = `round_id, seed_hash, server_seed, client_seed, nonce, natural_point, crash_point,
	adjustment, bet_count, total_stake, total_payout, chain_hash, started_at, crashed_at`

// RoundWriter writes round records to the rounds table using multi-row
// INSERT. Re-submitting a round already stored is a no-op.
type RoundWriter struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewRoundWriter(db *sql.DB, dialect store.Dialect) *RoundWriter {
	return &RoundWriter{db: db, dialect: dialect}
}

// WriteBatch inserts rounds inside tx.
func (w *RoundWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rounds []crash.RoundRecord) error {
	if len(rounds) == 0 {
		return nil
	}

	const cols = 14
	values := make([]string, 0, len(rounds))
	args := make([]any, 0, len(rounds)*cols)
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"

	for _, r := range rounds {
		values = append(values, row)
		args = append(args,
			r.RoundID.String(), r.SeedHash, r.ServerSeed, r.ClientSeed, int64(r.Nonce),
			r.NaturalPoint.StringFixed(2), r.CrashPoint.StringFixed(2), r.Adjustment,
			r.BetCount, r.TotalStake.String(), r.TotalPayout.String(), r.ChainHash,
			r.StartedAt.UnixMicro(), r.CrashedAt.UnixMicro(),
		)
	}

	query := "INSERT INTO rounds (" + roundColumns + ") VALUES " +
		strings.Join(values, ", ") + " ON CONFLICT (round_id) DO NOTHING"

	if _, err := tx.ExecContext(ctx, w.dialect.Rebind(query), args...); err != nil {
		return fmt.Errorf("insert %d rounds: %w", len(rounds), err)
	}
	return nil
}

// Recent returns up to limit rounds, newest first.
func (w *RoundWriter) Recent(ctx context.Context, limit int) ([]crash.RoundRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.db.QueryContext(ctx, w.dialect.Rebind(
		"SELECT "+roundColumns+" FROM rounds ORDER BY crashed_at DESC LIMIT ?"), limit)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var out []crash.RoundRecord
	for rows.Next() {
		var (
			r                  crash.RoundRecord
			nonce              int64
			natural, point     string
			stake, payout      string
			started, crashedAt int64
		)
		if err := rows.Scan(&r.RoundID, &r.SeedHash, &r.ServerSeed, &r.ClientSeed, &nonce,
			&natural, &point, &r.Adjustment, &r.BetCount, &stake, &payout, &r.ChainHash,
			&started, &crashedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.Nonce = uint64(nonce)
		if r.NaturalPoint, err = parseDecimal(natural); err != nil {
			return nil, err
		}
		if r.CrashPoint, err = parseDecimal(point); err != nil {
			return nil, err
		}
		if r.TotalStake, err = parseDecimal(stake); err != nil {
			return nil, err
		}
		if r.TotalPayout, err = parseDecimal(payout); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMicro(started).UTC()
		r.CrashedAt = time.UnixMicro(crashedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("round column %q: %w", s, err)
	}
	return d, nil
}
