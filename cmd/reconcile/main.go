package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/uhyunpark/tradeledger/params"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/storage"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

const usage = `usage: reconcile [flags] <command>

commands:
  list                                print fills awaiting a balance update
  retry <accountId> <orderId>         retry the balance update of one fill
  retry-all                           retry every priced fill, ignoring backoff
  price <accountId> <orderId> <delta> set the balance change of a fill whose
                                      venue settlement could not be read

flags:
`

// Operator tool for fills the ledger could not book. Run it while ledgerd is
// stopped when the backend is pebble; the database allows a single process.
func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		fail("config: %v", err)
	}

	backendKind := flag.String("backend", cfg.Store.Backend, "store backend: pebble | sqlite")
	pebblePath := flag.String("db", cfg.Store.PebblePath, "pebble directory")
	sqlitePath := flag.String("sqlite", cfg.Store.SQLitePath, "sqlite file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	backend, err := storage.Open(*backendKind, *pebblePath, *sqlitePath, util.RealClock{})
	if err != nil {
		fail("open store: %v", err)
	}
	defer backend.Close()

	// no venue: reconciliation only replays recorded fills
	svc := ledger.NewService(backend.Store, nil, backend.Journal, util.RealClock{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cmd := flag.Arg(0); cmd {
	case "list":
		pending, err := svc.PendingReconciliations(ctx)
		if err != nil {
			fail("list: %v", err)
		}
		if len(pending) == 0 {
			fmt.Println("No pending reconciliations")
			return
		}
		for _, p := range pending {
			delta := p.Delta.String()
			if p.Unpriced {
				delta = "unpriced"
			}
			fmt.Printf("%s  account=%s  %s %s %s  ref=%s  delta=%s  attempts=%d  cause=%q\n",
				p.ClientOrderID, p.AccountID, p.Side, p.Quantity, p.Symbol,
				p.OrderRef, delta, p.Attempts, p.Cause)
		}

	case "retry":
		if flag.NArg() != 3 {
			flag.Usage()
			os.Exit(2)
		}
		r, err := svc.Reconcile(ctx, flag.Arg(1), flag.Arg(2))
		if err != nil {
			fail("retry: %v", err)
		}
		out, _ := json.MarshalIndent(r, "", "  ")
		fmt.Println(string(out))

	case "retry-all":
		pending, err := svc.PendingReconciliations(ctx)
		if err != nil {
			fail("list: %v", err)
		}
		failed := 0
		for _, p := range pending {
			if p.Unpriced {
				failed++
				fmt.Printf("✗ %s/%s: unpriced, run price first\n", p.AccountID, p.ClientOrderID)
				continue
			}
			r, err := svc.Reconcile(ctx, p.AccountID, p.ClientOrderID)
			if err != nil {
				failed++
				fmt.Printf("✗ %s/%s: %v\n", p.AccountID, p.ClientOrderID, err)
				continue
			}
			fmt.Printf("✓ %s/%s: %s, balance %s\n", p.AccountID, p.ClientOrderID, r.Message, r.Balance)
		}
		fmt.Printf("\n%d repaired, %d failed\n", len(pending)-failed, failed)
		if failed > 0 {
			os.Exit(1)
		}

	case "price":
		if flag.NArg() != 4 {
			flag.Usage()
			os.Exit(2)
		}
		delta, err := money.ParseAmount(flag.Arg(3))
		if err != nil {
			fail("delta: %v", err)
		}
		p, err := svc.PriceFill(ctx, flag.Arg(1), flag.Arg(2), delta)
		if err != nil {
			fail("price: %v", err)
		}
		fmt.Printf("%s/%s priced at %s; run retry to book it\n", p.AccountID, p.ClientOrderID, p.Delta)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
