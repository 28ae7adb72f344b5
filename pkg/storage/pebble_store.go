package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// PebbleStore persists accounts and their mutation journal in one Pebble
// database. Pending reconciliations live in the same database (see Journal).
//
// Every Adjust runs read-check-write under the account's lock and commits the
// balance, the entry and its history index in a single synced batch.
type PebbleStore struct {
	db    *pebble.DB
	locks *account.KeyedMutex
	clock util.Clock
}

var _ account.Store = (*PebbleStore)(nil)

func NewPebbleStore(path string, clock util.Clock) (*PebbleStore, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{Cache: cache})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db, locks: account.NewKeyedMutex(), clock: clock}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// get decodes the value at key into v; false if absent
func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()

	if err := decodeJSON(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) loadAccount(id string) (accountRecord, error) {
	var rec accountRecord
	ok, err := s.get(accountKey(id), &rec)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("%w: %s", account.ErrNotFound, id)
	}
	return rec, nil
}

// ============================================================================
// Account Store
// ============================================================================

func (s *PebbleStore) Create(ctx context.Context, id string) (account.Account, error) {
	if err := account.ValidateID(id); err != nil {
		return account.Account{}, err
	}
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var existing accountRecord
	ok, err := s.get(accountKey(id), &existing)
	if err != nil {
		return account.Account{}, err
	}
	if ok {
		return account.Account{}, fmt.Errorf("%w: %s", account.ErrExists, id)
	}

	rec := accountRecord{Account: account.NewAccount(id, s.clock.Now().UnixMilli())}
	data, err := encodeJSON(rec)
	if err != nil {
		return account.Account{}, err
	}
	if err := s.db.Set(accountKey(id), data, pebble.Sync); err != nil {
		return account.Account{}, fmt.Errorf("save account: %w", err)
	}
	return rec.Account, nil
}

func (s *PebbleStore) Get(ctx context.Context, id string) (account.Account, error) {
	if err := ctx.Err(); err != nil {
		return account.Account{}, err
	}
	rec, err := s.loadAccount(id)
	if err != nil {
		return account.Account{}, err
	}
	return rec.Account, nil
}

func (s *PebbleStore) Adjust(ctx context.Context, m account.Mutation) (account.Adjustment, error) {
	if err := ctx.Err(); err != nil {
		return account.Adjustment{}, err
	}
	m = m.WithKey()

	unlock := s.locks.Lock(m.AccountID)
	defer unlock()

	rec, err := s.loadAccount(m.AccountID)
	if err != nil {
		return account.Adjustment{}, err
	}

	var existing account.Entry
	ok, err := s.get(mutationKey(m.AccountID, m.Key), &existing)
	if err != nil {
		return account.Adjustment{}, err
	}
	if ok {
		if err := account.Replay(existing, m); err != nil {
			return account.Adjustment{}, err
		}
		return account.Adjustment{Balance: rec.Balance, Entry: existing, Replayed: true}, nil
	}

	next, entry, err := account.Apply(rec.Account, m, s.clock.Now().UnixMilli())
	if err != nil {
		return account.Adjustment{}, err
	}
	rec.Account = next
	rec.Seq++

	accData, err := encodeJSON(rec)
	if err != nil {
		return account.Adjustment{}, err
	}
	entryData, err := encodeJSON(entry)
	if err != nil {
		return account.Adjustment{}, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(accountKey(m.AccountID), accData, nil); err != nil {
		return account.Adjustment{}, err
	}
	if err := batch.Set(mutationKey(m.AccountID, m.Key), entryData, nil); err != nil {
		return account.Adjustment{}, err
	}
	if err := batch.Set(historyKey(m.AccountID, rec.Seq), []byte(m.Key), nil); err != nil {
		return account.Adjustment{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return account.Adjustment{}, fmt.Errorf("commit adjustment: %w", err)
	}

	return account.Adjustment{Balance: next.Balance, Entry: entry}, nil
}

func (s *PebbleStore) Entry(ctx context.Context, id, key string) (account.Entry, bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return account.Entry{}, false, err
	}
	var e account.Entry
	ok, err := s.get(mutationKey(id, key), &e)
	return e, ok, err
}

// History walks the commit-order index backwards
func (s *PebbleStore) History(ctx context.Context, id string, limit int) ([]account.Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	prefix := historyPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("history iterator: %w", err)
	}
	defer iter.Close()

	var out []account.Entry
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var e account.Entry
		ok, err := s.get(mutationKey(id, string(iter.Value())), &e)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("history of %s references missing entry %s", id, iter.Value())
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// ============================================================================
// Reconciliation Journal
// ============================================================================

// PebbleJournal keeps pending reconciliations next to the accounts they belong to
type PebbleJournal struct {
	store *PebbleStore
}

var _ ledger.Journal = (*PebbleJournal)(nil)

// Journal returns the reconciliation journal stored in the same database
func (s *PebbleStore) Journal() *PebbleJournal {
	return &PebbleJournal{store: s}
}

func (j *PebbleJournal) Record(ctx context.Context, p ledger.Pending) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeJSON(p)
	if err != nil {
		return err
	}
	if err := j.store.db.Set(reconcileKey(p.AccountID, p.ClientOrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save pending reconciliation: %w", err)
	}
	return nil
}

func (j *PebbleJournal) Get(_ context.Context, accountID, clientOrderID string) (ledger.Pending, bool, error) {
	var p ledger.Pending
	ok, err := j.store.get(reconcileKey(accountID, clientOrderID), &p)
	return p, ok, err
}

func (j *PebbleJournal) List(_ context.Context) ([]ledger.Pending, error) {
	prefix := []byte(prefixReconcile)
	iter, err := j.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("journal iterator: %w", err)
	}
	defer iter.Close()

	var out []ledger.Pending
	for iter.First(); iter.Valid(); iter.Next() {
		var p ledger.Pending
		if err := decodeJSON(iter.Value(), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	ledger.SortPending(out)
	return out, nil
}

func (j *PebbleJournal) Resolve(_ context.Context, accountID, clientOrderID string) error {
	if err := j.store.db.Delete(reconcileKey(accountID, clientOrderID), pebble.Sync); err != nil {
		return fmt.Errorf("resolve pending reconciliation: %w", err)
	}
	return nil
}
