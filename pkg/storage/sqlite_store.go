package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// SQLStore keeps accounts in SQLite. A single connection serializes writers;
// each Adjust is one transaction whose balance update is conditional on the
// balance it read.
type SQLStore struct {
	db    *sql.DB
	clock util.Clock
}

var _ account.Store = (*SQLStore)(nil)

func NewSQLStore(path string, clock util.Clock) (*SQLStore, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  balance INTEGER NOT NULL CHECK (balance >= 0),
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS account_entries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  account_id TEXT NOT NULL REFERENCES accounts(id),
  key TEXT NOT NULL,
  kind TEXT NOT NULL,
  ref TEXT NOT NULL DEFAULT '',
  qty INTEGER NOT NULL DEFAULT 0,
  delta INTEGER NOT NULL,
  balance INTEGER NOT NULL,
  at INTEGER NOT NULL,
  UNIQUE (account_id, key)
);`,
		`CREATE INDEX IF NOT EXISTS idx_account_entries_account_seq ON account_entries(account_id, seq);`,
		`
CREATE TABLE IF NOT EXISTS pending_reconciliations (
  account_id TEXT NOT NULL,
  client_order_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  body TEXT NOT NULL,
  PRIMARY KEY (account_id, client_order_id)
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadAccount(ctx context.Context, q queryer, id string) (account.Account, error) {
	acc := account.Account{ID: id}
	var bal int64
	err := q.QueryRowContext(ctx,
		`SELECT balance, created_at, updated_at FROM accounts WHERE id = ?`, id,
	).Scan(&bal, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	acc.Balance = money.Amount(bal)
	return acc, nil
}

func loadEntry(ctx context.Context, q queryer, id, key string) (account.Entry, bool, error) {
	e := account.Entry{Key: key}
	var kind string
	var qty, delta, bal int64
	err := q.QueryRowContext(ctx,
		`SELECT kind, ref, qty, delta, balance, at FROM account_entries WHERE account_id = ? AND key = ?`, id, key,
	).Scan(&kind, &e.Ref, &qty, &delta, &bal, &e.At)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Entry{}, false, nil
	}
	if err != nil {
		return account.Entry{}, false, fmt.Errorf("load entry %s/%s: %w", id, key, err)
	}
	e.Kind = account.Kind(kind)
	e.Qty = money.Quantity(qty)
	e.Delta = money.Amount(delta)
	e.Balance = money.Amount(bal)
	return e, true, nil
}

func (s *SQLStore) Create(ctx context.Context, id string) (account.Account, error) {
	if err := account.ValidateID(id); err != nil {
		return account.Account{}, err
	}
	acc := account.NewAccount(id, s.clock.Now().UnixMilli())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, created_at, updated_at) VALUES (?, 0, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, fmt.Errorf("%w: %s", account.ErrExists, id)
	}
	return acc, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (account.Account, error) {
	return loadAccount(ctx, s.db, id)
}

func (s *SQLStore) Adjust(ctx context.Context, m account.Mutation) (account.Adjustment, error) {
	m = m.WithKey()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return account.Adjustment{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	acc, err := loadAccount(ctx, tx, m.AccountID)
	if err != nil {
		return account.Adjustment{}, err
	}

	existing, ok, err := loadEntry(ctx, tx, m.AccountID, m.Key)
	if err != nil {
		return account.Adjustment{}, err
	}
	if ok {
		if err := account.Replay(existing, m); err != nil {
			return account.Adjustment{}, err
		}
		return account.Adjustment{Balance: acc.Balance, Entry: existing, Replayed: true}, nil
	}

	next, entry, err := account.Apply(acc, m, s.clock.Now().UnixMilli())
	if err != nil {
		return account.Adjustment{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?`,
		int64(next.Balance), next.UpdatedAt, m.AccountID, int64(acc.Balance))
	if err != nil {
		return account.Adjustment{}, fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return account.Adjustment{}, fmt.Errorf("balance of %s changed concurrently", m.AccountID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_entries (account_id, key, kind, ref, qty, delta, balance, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, entry.Key, string(entry.Kind), entry.Ref, int64(entry.Qty), int64(entry.Delta), int64(entry.Balance), entry.At,
	); err != nil {
		return account.Adjustment{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return account.Adjustment{}, fmt.Errorf("commit: %w", err)
	}
	return account.Adjustment{Balance: next.Balance, Entry: entry}, nil
}

func (s *SQLStore) Entry(ctx context.Context, id, key string) (account.Entry, bool, error) {
	if _, err := loadAccount(ctx, s.db, id); err != nil {
		return account.Entry{}, false, err
	}
	return loadEntry(ctx, s.db, id, key)
}

func (s *SQLStore) History(ctx context.Context, id string, limit int) ([]account.Entry, error) {
	if _, err := loadAccount(ctx, s.db, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, kind, ref, qty, delta, balance, at FROM account_entries WHERE account_id = ? ORDER BY seq DESC LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []account.Entry
	for rows.Next() {
		var e account.Entry
		var kind string
		var qty, delta, bal int64
		if err := rows.Scan(&e.Key, &kind, &e.Ref, &qty, &delta, &bal, &e.At); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = account.Kind(kind)
		e.Qty = money.Quantity(qty)
		e.Delta = money.Amount(delta)
		e.Balance = money.Amount(bal)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SQLJournal stores pending reconciliations in the same SQLite database
type SQLJournal struct {
	db *sql.DB
}

var _ ledger.Journal = (*SQLJournal)(nil)

func (s *SQLStore) Journal() *SQLJournal {
	return &SQLJournal{db: s.db}
}

func (j *SQLJournal) Record(ctx context.Context, p ledger.Pending) error {
	body, err := encodeJSON(p)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO pending_reconciliations (account_id, client_order_id, created_at, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id, client_order_id) DO UPDATE SET body = excluded.body`,
		p.AccountID, p.ClientOrderID, p.CreatedAt, string(body))
	if err != nil {
		return fmt.Errorf("save pending reconciliation: %w", err)
	}
	return nil
}

func (j *SQLJournal) Get(ctx context.Context, accountID, clientOrderID string) (ledger.Pending, bool, error) {
	var body string
	err := j.db.QueryRowContext(ctx,
		`SELECT body FROM pending_reconciliations WHERE account_id = ? AND client_order_id = ?`, accountID, clientOrderID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Pending{}, false, nil
	}
	if err != nil {
		return ledger.Pending{}, false, fmt.Errorf("load pending reconciliation: %w", err)
	}
	var p ledger.Pending
	if err := decodeJSON([]byte(body), &p); err != nil {
		return ledger.Pending{}, false, err
	}
	return p, true, nil
}

func (j *SQLJournal) List(ctx context.Context) ([]ledger.Pending, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT body FROM pending_reconciliations ORDER BY created_at, client_order_id, account_id`)
	if err != nil {
		return nil, fmt.Errorf("list pending reconciliations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Pending
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p ledger.Pending
		if err := decodeJSON([]byte(body), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (j *SQLJournal) Resolve(ctx context.Context, accountID, clientOrderID string) error {
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM pending_reconciliations WHERE account_id = ? AND client_order_id = ?`, accountID, clientOrderID,
	); err != nil {
		return fmt.Errorf("resolve pending reconciliation: %w", err)
	}
	return nil
}
