package account

import (
	"context"
)

// Store is the durable mapping from account id to balance.
//
// Implementations must serialize Adjust per account (no check-then-set race),
// keep different accounts independent, and make a committed Adjust visible to
// every Get that starts after it returns.
type Store interface {
	// Create registers an account with zero balance. ErrExists if already present.
	Create(ctx context.Context, id string) (Account, error)

	// Get returns the current account. ErrNotFound if absent.
	Get(ctx context.Context, id string) (Account, error)

	// Adjust applies balance += m.Delta only if the precondition holds on the
	// result. On failure it returns ErrPreconditionFailed and leaves the balance unchanged.
	Adjust(ctx context.Context, m Mutation) (Adjustment, error)

	// Entry looks up the journal entry recorded under an idempotency key
	Entry(ctx context.Context, id, key string) (Entry, bool, error)

	// History returns up to limit entries, newest first
	History(ctx context.Context, id string, limit int) ([]Entry, error)

	Close() error
}
