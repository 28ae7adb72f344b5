package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/exchange"
	"github.com/uhyunpark/tradeledger/pkg/money"
)

// Pending is a venue fill whose balance update has not been applied.
// It holds everything needed to apply the update later without the venue.
// A client order id is unique per account, not globally.
type Pending struct {
	ClientOrderID string         `json:"clientOrderId"`
	AccountID     string         `json:"accountId"`
	VenueOrderID  string         `json:"venueOrderId"`
	Side          exchange.Side  `json:"side"`
	Symbol        string         `json:"symbol"`
	Quantity      money.Quantity `json:"quantity"`
	OrderRef      string         `json:"orderRef"`
	Delta         money.Amount   `json:"delta"`

	// Unpriced is set when the venue filled but its settlement could not be
	// read. Delta is meaningless until an operator prices the fill.
	Unpriced bool `json:"unpriced,omitempty"`

	Cause         string `json:"cause"`
	Attempts      int    `json:"attempts"`
	CreatedAt     int64  `json:"createdAt"` // Unix milliseconds
	LastAttemptAt int64  `json:"lastAttemptAt"`
}

// Mutation rebuilds the balance change this fill owes
func (p Pending) Mutation() account.Mutation {
	return tradeMutation(p.AccountID, p.ClientOrderID, p.Side, p.Quantity, p.Delta, p.OrderRef)
}

func tradeKey(clientOrderID string) string { return "trade:" + clientOrderID }

func tradeMutation(accountID, clientOrderID string, side exchange.Side, qty money.Quantity, delta money.Amount, ref string) account.Mutation {
	m := account.Mutation{
		AccountID: accountID,
		Delta:     delta,
		Key:       tradeKey(clientOrderID),
		Ref:       ref,
		Qty:       qty,
	}
	if side == exchange.Buy {
		m.Kind = account.KindBuy
		m.Precondition = account.MinBalance(0)
	} else {
		m.Kind = account.KindSell
		m.Precondition = account.None()
	}
	return m
}

// Journal durably records unreconciled fills until they are repaired.
// Entries are keyed by account and client order id.
type Journal interface {
	// Record inserts or replaces the entry for (p.AccountID, p.ClientOrderID)
	Record(ctx context.Context, p Pending) error
	Get(ctx context.Context, accountID, clientOrderID string) (Pending, bool, error)
	// List returns all entries, oldest first
	List(ctx context.Context) ([]Pending, error)
	// Resolve removes an entry once its balance update is applied
	Resolve(ctx context.Context, accountID, clientOrderID string) error
}

// Alerter notifies operators about a reconciliation failure
type Alerter interface {
	Alert(ctx context.Context, p Pending) error
}

// Alerters fans an alert out to every member
type Alerters []Alerter

func (as Alerters) Alert(ctx context.Context, p Pending) error {
	var errs []error
	for _, a := range as {
		if err := a.Alert(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryJournal keeps pending reconciliations in process memory
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]Pending
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]Pending)}
}

func (j *MemoryJournal) Record(_ context.Context, p Pending) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[journalKey(p.AccountID, p.ClientOrderID)] = p
	return nil
}

func (j *MemoryJournal) Get(_ context.Context, accountID, clientOrderID string) (Pending, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p, ok := j.entries[journalKey(accountID, clientOrderID)]
	return p, ok, nil
}

func (j *MemoryJournal) List(_ context.Context) ([]Pending, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Pending, 0, len(j.entries))
	for _, p := range j.entries {
		out = append(out, p)
	}
	SortPending(out)
	return out, nil
}

func (j *MemoryJournal) Resolve(_ context.Context, accountID, clientOrderID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, journalKey(accountID, clientOrderID))
	return nil
}

func journalKey(accountID, clientOrderID string) string {
	return accountID + ":" + clientOrderID
}

// SortPending orders entries oldest first, ties by client order id then account
func SortPending(ps []Pending) {
	sort.Slice(ps, func(i, k int) bool {
		if ps[i].CreatedAt != ps[k].CreatedAt {
			return ps[i].CreatedAt < ps[k].CreatedAt
		}
		if ps[i].ClientOrderID != ps[k].ClientOrderID {
			return ps[i].ClientOrderID < ps[k].ClientOrderID
		}
		return ps[i].AccountID < ps[k].AccountID
	})
}

// PendingFor keeps the entries that belong to one account
func PendingFor(ps []Pending, accountID string) []Pending {
	out := make([]Pending, 0, len(ps))
	for _, p := range ps {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out
}
