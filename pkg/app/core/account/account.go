package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/uhyunpark/tradeledger/pkg/money"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrExists             = errors.New("account already exists")
	ErrInvalidID          = errors.New("invalid account id")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrKeyConflict        = errors.New("idempotency key reused with different mutation")
)

// Account is a cash balance holder identified by an opaque id
// Balance is in cents (100 = $1.00) and never observed below zero
type Account struct {
	ID      string       `json:"id"`
	Balance money.Amount `json:"balance"`

	// Unix milliseconds
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// NewAccount creates a new account with zero balance
func NewAccount(id string, now int64) Account {
	return Account{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Validate checks account invariants
func (a Account) Validate() error {
	if err := ValidateID(a.ID); err != nil {
		return err
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("negative balance: %s", a.Balance)
	}
	return nil
}

// ValidateID rejects ids that cannot be used as storage keys
// ':' is the key separator of the Pebble schema
func ValidateID(id string) error {
	if id == "" || strings.TrimSpace(id) != id || strings.ContainsAny(id, ":\x00") || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Kind labels what produced a balance mutation
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindBuy      Kind = "buy"
	KindSell     Kind = "sell"
)

// Entry is the durable record of one applied mutation
type Entry struct {
	Key     string         `json:"key"`
	Kind    Kind           `json:"kind"`
	Ref     string         `json:"ref,omitempty"` // venue order reference for trades
	Qty     money.Quantity `json:"qty,omitempty"` // filled quantity for trades
	Delta   money.Amount   `json:"delta"`
	Balance money.Amount   `json:"balance"` // balance after the mutation
	At      int64          `json:"at"`      // Unix milliseconds
}

// Precondition must hold on the post-mutation balance for Adjust to commit
type Precondition struct {
	min   money.Amount
	isSet bool
}

// None accepts any resulting balance that keeps the account non-negative
func None() Precondition { return Precondition{} }

// MinBalance requires balance+delta >= m
func MinBalance(m money.Amount) Precondition {
	return Precondition{min: m, isSet: true}
}

// Satisfied reports whether a resulting balance is acceptable
// Zero is the floor for every precondition: the store never commits a negative balance
func (p Precondition) Satisfied(balance money.Amount) bool {
	if balance.IsNegative() {
		return false
	}
	return !p.isSet || balance >= p.min
}

func (p Precondition) String() string {
	if !p.isSet {
		return "none"
	}
	return "min_balance(" + p.min.String() + ")"
}

// Mutation is one atomic balance change
type Mutation struct {
	AccountID    string
	Delta        money.Amount
	Precondition Precondition

	// Key makes the mutation idempotent per account: a second Adjust with the
	// same key is a replay and returns the recorded entry without re-applying.
	// Empty means a fresh key is generated.
	Key  string
	Kind Kind
	Ref  string
	Qty  money.Quantity
}

// Adjustment is the outcome of Store.Adjust
type Adjustment struct {
	Balance  money.Amount
	Entry    Entry
	Replayed bool
}

// WithKey returns m with a generated idempotency key when none was given
func (m Mutation) WithKey() Mutation {
	if m.Key == "" {
		m.Key = uuid.NewString()
	}
	return m
}

// Apply computes the post-mutation account and its journal entry.
// Every Store backend funnels through here so the invariant lives in one place.
func Apply(acc Account, m Mutation, now int64) (Account, Entry, error) {
	next, err := acc.Balance.Add(m.Delta)
	if err != nil {
		return acc, Entry{}, err
	}
	if !m.Precondition.Satisfied(next) {
		return acc, Entry{}, fmt.Errorf("%w: balance %s, delta %s, requires %s",
			ErrPreconditionFailed, acc.Balance, m.Delta, m.Precondition)
	}

	acc.Balance = next
	acc.UpdatedAt = now
	entry := Entry{
		Key:     m.Key,
		Kind:    m.Kind,
		Ref:     m.Ref,
		Qty:     m.Qty,
		Delta:   m.Delta,
		Balance: next,
		At:      now,
	}
	return acc, entry, nil
}

// Replay validates that a recorded entry matches a retried mutation
func Replay(existing Entry, m Mutation) error {
	if existing.Delta != m.Delta || existing.Kind != m.Kind {
		return fmt.Errorf("%w: key %s recorded %s %s, retried %s %s",
			ErrKeyConflict, m.Key, existing.Kind, existing.Delta, m.Kind, m.Delta)
	}
	return nil
}
