package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
)

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"pebble", "sqlite", "memory"} {
		t.Run(kind, func(t *testing.T) {
			b, err := Open(kind, filepath.Join(dir, "pebble"), filepath.Join(dir, "ledger.db"), nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer b.Close()

			if _, err := b.Store.Create(context.Background(), "alice"); err != nil {
				t.Fatalf("create: %v", err)
			}
			ps, err := b.Journal.List(context.Background())
			if err != nil || len(ps) != 0 {
				t.Fatalf("journal list = %v, %v", ps, err)
			}
		})
	}

	if _, err := Open("mongo", "", "", nil); err == nil {
		t.Error("unknown backend opened")
	}
}

func TestMemoryJournal(t *testing.T) {
	journalSuite(t, ledger.NewMemoryJournal())
}
