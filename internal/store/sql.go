package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver quirks.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// ParseDialect accepts "postgres" or "sqlite".
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "postgres":
		return DialectPostgres, nil
	case "sqlite":
		return DialectSQLite, nil
	}
	return 0, fmt.Errorf("unknown sql dialect %q", s)
}

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// Rebind rewrites '?' placeholders to '$N' for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements ledger.Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	q       queryer
	inTx    bool
}

// Open connects to dsn with the driver for dialect and tunes the pool.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "ping "+dialect.String(), err)
	}
	return New(db, dialect), nil
}

func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, q: db}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) rebind(q string) string { return s.dialect.Rebind(q) }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.CodeStoreUnavailable, op, err)
}

func (s *SQLStore) GetBalance(ctx context.Context, key ledger.AccountKey) (ledger.Balance, error) {
	var b ledger.Balance
	err := s.q.QueryRowContext(ctx,
		s.rebind(`SELECT amount, version FROM balances WHERE account = ?`),
		key.AccountPath(),
	).Scan(&b.Amount, &b.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, nil
	}
	if err != nil {
		return ledger.Balance{}, unavailable("get balance", err)
	}
	return b, nil
}

// Apply runs the conditional update and the entry insert in one transaction,
// reusing the caller's when the store is already bound to one.
func (s *SQLStore) Apply(ctx context.Context, entry ledger.Entry, expectedVersion int64) error {
	if s.inTx {
		return s.apply(ctx, s.q, entry, expectedVersion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin apply", err)
	}
	if err := s.apply(ctx, tx, entry, expectedVersion); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit apply", err)
	}
	return nil
}

func (s *SQLStore) apply(ctx context.Context, q queryer, e ledger.Entry, expectedVersion int64) error {
	path := e.Account.AccountPath()
	now := e.CreatedAt.UnixMicro()

	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = q.ExecContext(ctx, s.rebind(`
			INSERT INTO balances (account, amount, version, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (account) DO NOTHING`),
			path, e.BalanceAfter, e.Version, now)
	} else {
		res, err = q.ExecContext(ctx, s.rebind(`
			UPDATE balances SET amount = ?, version = ?, updated_at = ?
			WHERE account = ? AND version = ?`),
			e.BalanceAfter, e.Version, now, path, expectedVersion)
	}
	if err != nil {
		return unavailable("update balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrVersionConflict
	}

	res, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries (
			id, account, entry_type, direction, amount, balance_before, balance_after,
			version, correlation_id, idempotency_key, source_account, level, fee, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		e.ID.String(), path, string(e.Type), int(e.Direction), e.Amount, e.BalanceBefore, e.BalanceAfter,
		e.Version, e.CorrelationID, nullString(e.IdempotencyKey), e.SourceAccount, e.Level, e.Fee, now)
	if err != nil {
		return unavailable("insert entry", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Lost the idempotency race: put the balance back before reporting.
	if expectedVersion == 0 {
		_, err = q.ExecContext(ctx, s.rebind(
			`DELETE FROM balances WHERE account = ? AND version = ?`), path, e.Version)
	} else {
		_, err = q.ExecContext(ctx, s.rebind(`
			UPDATE balances SET amount = ?, version = ?
			WHERE account = ? AND version = ?`),
			e.BalanceBefore, expectedVersion, path, e.Version)
	}
	if err != nil {
		return unavailable("revert balance", err)
	}
	return apperr.ErrDuplicate
}

const entryColumns = `id, account, entry_type, direction, amount, balance_before, balance_after,
	version, correlation_id, idempotency_key, source_account, level, fee, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		path      string
		entryType string
		direction int
		idemKey   sql.NullString
		createdAt int64
	)
	if err := r.Scan(&e.ID, &path, &entryType, &direction, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&e.Version, &e.CorrelationID, &idemKey, &e.SourceAccount, &e.Level, &e.Fee, &createdAt); err != nil {
		return ledger.Entry{}, err
	}
	key, err := ledger.ParseAccountPath(path)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.Account = key
	e.Type = ledger.EntryType(entryType)
	e.Direction = ledger.Direction(direction)
	e.IdempotencyKey = idemKey.String
	e.CreatedAt = time.UnixMicro(createdAt).UTC()
	return e, nil
}

// FindEntry looks up an entry by idempotency key with a short timeout; a
// slow store must not stall the wagering path.
func (s *SQLStore) FindEntry(ctx context.Context, idempotencyKey string) (*ledger.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	row := s.q.QueryRowContext(ctx, s.rebind(
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`), idempotencyKey)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find entry", err)
	}
	return &e, nil
}

func (s *SQLStore) Entries(ctx context.Context, key ledger.AccountKey) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account = ? ORDER BY version`),
		key.AccountPath())
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Accounts(ctx context.Context) ([]ledger.AccountKey, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT account FROM balances ORDER BY account`)
	if err != nil {
		return nil, unavailable("list accounts", err)
	}
	defer rows.Close()

	var out []ledger.AccountKey
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Begin opens a transaction. Failure to open one is reported as
// apperr.ErrAtomicScopeUnavailable so the coordinator can demote.
func (s *SQLStore) Begin(ctx context.Context) (ledger.TxStore, error) {
	if s.inTx {
		return nil, apperr.Wrap(apperr.CodeAtomicScopeUnavailable, "nested transaction", nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAtomicScopeUnavailable, "begin", err)
	}
	return &txStore{
		SQLStore: &SQLStore{db: s.db, dialect: s.dialect, q: tx, inTx: true},
		tx:       tx,
	}, nil
}

type txStore struct {
	*SQLStore
	tx    *sql.Tx
	hooks []func()
}

func (t *txStore) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	for _, fn := range t.hooks {
		fn()
	}
	return nil
}

func (t *txStore) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *txStore) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// Register records account with its own referral code and its upline's code.
func (s *SQLStore) Register(ctx context.Context, account, code, uplineCode string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO referrals (account, referral_code, upline_code) VALUES (?, ?, ?)
		ON CONFLICT (account) DO UPDATE SET referral_code = excluded.referral_code,
			upline_code = excluded.upline_code`),
		account, code, nullString(uplineCode))
	if err != nil {
		return unavailable("register referral", err)
	}
	return nil
}

// Upline resolves account's referrer. ok is false on a broken link.
func (s *SQLStore) Upline(ctx context.Context, account string) (string, bool, error) {
	var owner string
	err := s.q.QueryRowContext(ctx, s.rebind(`
		SELECT up.account
		FROM referrals r
		JOIN referrals up ON up.referral_code = r.upline_code
		WHERE r.account = ?`), account).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("resolve upline", err)
	}
	return owner, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ ledger.Store    = (*SQLStore)(nil)
	_ ledger.Beginner = (*SQLStore)(nil)
	_ ledger.Store    = (*MemoryStore)(nil)
	_ ledger.Beginner = (*MemoryStore)(nil)
)
