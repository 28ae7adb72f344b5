package storage

import (
	"fmt"
	"io"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// Backend bundles an account store with the reconciliation journal kept beside it
type Backend struct {
	Store   account.Store
	Journal ledger.Journal
	io.Closer
}

// Open opens the named backend: "pebble" at pebblePath, "sqlite" at
// sqlitePath, or "memory".
func Open(kind, pebblePath, sqlitePath string, clock util.Clock) (Backend, error) {
	switch kind {
	case "pebble":
		s, err := NewPebbleStore(pebblePath, clock)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: s, Journal: s.Journal(), Closer: s}, nil
	case "sqlite":
		s, err := NewSQLStore(sqlitePath, clock)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: s, Journal: s.Journal(), Closer: s}, nil
	case "memory":
		s := account.NewMemoryStore(clock)
		return Backend{Store: s, Journal: ledger.NewMemoryJournal(), Closer: s}, nil
	default:
		return Backend{}, fmt.Errorf("unknown store backend %q", kind)
	}
}
