package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

// MemoryStore keeps accounts in process memory.
// The map is guarded by an RWMutex; each account carries its own mutex so
// mutations on different accounts never wait on each other.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	clock    util.Clock
}

type memAccount struct {
	mu      sync.Mutex
	acc     Account
	entries map[string]Entry
	order   []string // entry keys in commit order
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock util.Clock) *MemoryStore {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
		clock:    clock,
	}
}

func (s *MemoryStore) Create(_ context.Context, id string) (Account, error) {
	if err := ValidateID(id); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[id]; exists {
		return Account{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	acc := NewAccount(id, s.clock.Now().UnixMilli())
	s.accounts[id] = &memAccount{acc: acc, entries: make(map[string]Entry)}
	return acc, nil
}

func (s *MemoryStore) lookup(id string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ma, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ma, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Account, error) {
	ma, err := s.lookup(id)
	if err != nil {
		return Account{}, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.acc, nil
}

func (s *MemoryStore) Adjust(ctx context.Context, m Mutation) (Adjustment, error) {
	if err := ctx.Err(); err != nil {
		return Adjustment{}, err
	}
	m = m.WithKey()

	ma, err := s.lookup(m.AccountID)
	if err != nil {
		return Adjustment{}, err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	if existing, ok := ma.entries[m.Key]; ok {
		if err := Replay(existing, m); err != nil {
			return Adjustment{}, err
		}
		return Adjustment{Balance: ma.acc.Balance, Entry: existing, Replayed: true}, nil
	}

	next, entry, err := Apply(ma.acc, m, s.clock.Now().UnixMilli())
	if err != nil {
		return Adjustment{}, err
	}
	ma.acc = next
	ma.entries[m.Key] = entry
	ma.order = append(ma.order, m.Key)
	return Adjustment{Balance: next.Balance, Entry: entry}, nil
}

func (s *MemoryStore) Entry(_ context.Context, id, key string) (Entry, bool, error) {
	ma, err := s.lookup(id)
	if err != nil {
		return Entry{}, false, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	e, ok := ma.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) History(_ context.Context, id string, limit int) ([]Entry, error) {
	ma, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()

	n := len(ma.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(ma.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, ma.entries[ma.order[i]])
	}
	return out, nil
}

// Count returns the total number of accounts
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func (s *MemoryStore) Close() error { return nil }
