package storage

import (
	"path/filepath"
	"testing"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/core/account/storetest"
)

func openSQL(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) account.Store { return openSQL(t) })
}

func TestSQLJournal(t *testing.T) {
	journalSuite(t, openSQL(t).Journal())
}
