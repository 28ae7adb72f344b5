// Package storetest holds the behavioral suite every account.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/money"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) account.Store

// Run executes the full suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("Scenario", func(t *testing.T) { testScenario(t, newStore(t)) })
	t.Run("PreconditionLeavesBalance", func(t *testing.T) { testPrecondition(t, newStore(t)) })
	t.Run("IdempotentReplay", func(t *testing.T) { testReplay(t, newStore(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("ConcurrentWithdrawals", func(t *testing.T) { testConcurrentWithdrawals(t, newStore(t)) })
	t.Run("ConcurrentAccounts", func(t *testing.T) { testConcurrentAccounts(t, newStore(t)) })
}

func mustCreate(t *testing.T, s account.Store, id string) {
	t.Helper()
	if _, err := s.Create(context.Background(), id); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func mustAdjust(t *testing.T, s account.Store, m account.Mutation) account.Adjustment {
	t.Helper()
	adj, err := s.Adjust(context.Background(), m)
	if err != nil {
		t.Fatalf("adjust %s %s: %v", m.AccountID, m.Delta, err)
	}
	return adj
}

func balanceOf(t *testing.T, s account.Store, id string) money.Amount {
	t.Helper()
	acc, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return acc.Balance
}

func deposit(id string, amt string) account.Mutation {
	return account.Mutation{AccountID: id, Delta: money.MustAmount(amt), Precondition: account.None(), Kind: account.KindDeposit}
}

func withdraw(id string, amt string) account.Mutation {
	return account.Mutation{AccountID: id, Delta: money.MustAmount(amt).Neg(), Precondition: account.MinBalance(0), Kind: account.KindWithdraw}
}

func testCreateAndGet(t *testing.T, s account.Store) {
	ctx := context.Background()
	acc, err := s.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if acc.ID != "alice" || acc.Balance != 0 {
		t.Errorf("new account = %+v, want alice with zero balance", acc)
	}
	if _, err := s.Create(ctx, "alice"); !errors.Is(err, account.ErrExists) {
		t.Errorf("second create err = %v, want ErrExists", err)
	}
	if _, err := s.Create(ctx, "bad:id"); !errors.Is(err, account.ErrInvalidID) {
		t.Errorf("create bad id err = %v, want ErrInvalidID", err)
	}
	if got := balanceOf(t, s, "alice"); got != 0 {
		t.Errorf("balance = %s, want 0.00", got)
	}
}

func testNotFound(t *testing.T, s account.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("get err = %v, want ErrNotFound", err)
	}
	if _, err := s.Adjust(ctx, deposit("ghost", "1.00")); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("adjust err = %v, want ErrNotFound", err)
	}
}

// balance = 100.00; withdraw 30 -> 70; withdraw 1000 fails; deposit 5 -> 75
func testScenario(t *testing.T, s account.Store) {
	mustCreate(t, s, "alice")
	mustAdjust(t, s, deposit("alice", "100.00"))

	adj := mustAdjust(t, s, withdraw("alice", "30.00"))
	if adj.Balance != money.MustAmount("70.00") {
		t.Fatalf("after withdraw balance = %s, want 70.00", adj.Balance)
	}

	_, err := s.Adjust(context.Background(), withdraw("alice", "1000.00"))
	if !errors.Is(err, account.ErrPreconditionFailed) {
		t.Fatalf("overdraw err = %v, want ErrPreconditionFailed", err)
	}
	if got := balanceOf(t, s, "alice"); got != money.MustAmount("70.00") {
		t.Fatalf("balance after failed withdraw = %s, want 70.00", got)
	}

	adj = mustAdjust(t, s, deposit("alice", "5.00"))
	if adj.Balance != money.MustAmount("75.00") {
		t.Fatalf("after deposit balance = %s, want 75.00", adj.Balance)
	}
	if got := balanceOf(t, s, "alice"); got != adj.Balance {
		t.Errorf("get after adjust = %s, want %s", got, adj.Balance)
	}
}

func testPrecondition(t *testing.T, s account.Store) {
	mustCreate(t, s, "bob")
	mustAdjust(t, s, deposit("bob", "10.00"))

	// MinBalance above zero
	m := account.Mutation{AccountID: "bob", Delta: money.MustAmount("-6.00"), Precondition: account.MinBalance(money.MustAmount("5.00")), Kind: account.KindWithdraw}
	if _, err := s.Adjust(context.Background(), m); !errors.Is(err, account.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}

	// None still refuses to go negative
	m = account.Mutation{AccountID: "bob", Delta: money.MustAmount("-10.01"), Precondition: account.None(), Kind: account.KindBuy}
	if _, err := s.Adjust(context.Background(), m); !errors.Is(err, account.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}

	if got := balanceOf(t, s, "bob"); got != money.MustAmount("10.00") {
		t.Errorf("balance = %s, want 10.00", got)
	}

	// Exactly to zero is allowed
	adj := mustAdjust(t, s, withdraw("bob", "10.00"))
	if adj.Balance != 0 {
		t.Errorf("balance = %s, want 0.00", adj.Balance)
	}
}

func testReplay(t *testing.T, s account.Store) {
	ctx := context.Background()
	mustCreate(t, s, "carol")

	m := deposit("carol", "12.34")
	m.Key = "trade:abc"
	m.Ref = "venue-1"
	m.Qty = money.MustQuantity("0.5")

	first := mustAdjust(t, s, m)
	second := mustAdjust(t, s, m)
	if first.Replayed {
		t.Error("first adjust reported replay")
	}
	if !second.Replayed {
		t.Error("second adjust with same key not reported as replay")
	}
	if got := balanceOf(t, s, "carol"); got != money.MustAmount("12.34") {
		t.Errorf("balance = %s, want 12.34 (applied once)", got)
	}

	entry, ok, err := s.Entry(ctx, "carol", "trade:abc")
	if err != nil || !ok {
		t.Fatalf("entry lookup: ok=%v err=%v", ok, err)
	}
	if entry.Ref != "venue-1" || entry.Qty != m.Qty || entry.Delta != m.Delta || entry.Balance != m.Delta {
		t.Errorf("entry = %+v", entry)
	}

	conflict := m
	conflict.Delta = money.MustAmount("1.00")
	if _, err := s.Adjust(ctx, conflict); !errors.Is(err, account.ErrKeyConflict) {
		t.Errorf("conflicting replay err = %v, want ErrKeyConflict", err)
	}

	if _, ok, _ := s.Entry(ctx, "carol", "missing"); ok {
		t.Error("unexpected entry for unknown key")
	}
}

func testHistory(t *testing.T, s account.Store) {
	mustCreate(t, s, "dave")
	for i := 1; i <= 5; i++ {
		m := deposit("dave", fmt.Sprintf("%d.00", i))
		m.Key = fmt.Sprintf("k%d", i)
		mustAdjust(t, s, m)
	}

	hist, err := s.History(context.Background(), "dave", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(hist))
	}
	want := []string{"k5", "k4", "k3"}
	for i, e := range hist {
		if e.Key != want[i] {
			t.Errorf("history[%d].Key = %s, want %s", i, e.Key, want[i])
		}
	}
	if hist[0].Balance != money.MustAmount("15.00") {
		t.Errorf("newest balance = %s, want 15.00", hist[0].Balance)
	}

	all, err := s.History(context.Background(), "dave", 0)
	if err != nil || len(all) != 5 {
		t.Errorf("unbounded history len = %d, err = %v", len(all), err)
	}
}

// N concurrent withdrawals race against a fixed balance; exactly balance/amount succeed
func testConcurrentWithdrawals(t *testing.T, s account.Store) {
	mustCreate(t, s, "erin")
	mustAdjust(t, s, deposit("erin", "100.00"))

	const workers = 50
	var wg sync.WaitGroup
	var ok, rejected atomic.Int64
	var negative atomic.Bool

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adj, err := s.Adjust(context.Background(), withdraw("erin", "7.00"))
			switch {
			case err == nil:
				ok.Add(1)
				if adj.Balance.IsNegative() {
					negative.Store(true)
				}
			case errors.Is(err, account.ErrPreconditionFailed):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
			acc, err := s.Get(context.Background(), "erin")
			if err == nil && acc.Balance.IsNegative() {
				negative.Store(true)
			}
		}()
	}
	wg.Wait()

	if negative.Load() {
		t.Fatal("observed negative balance")
	}
	if ok.Load() != 14 || rejected.Load() != workers-14 {
		t.Errorf("succeeded = %d, rejected = %d; want 14 and %d", ok.Load(), rejected.Load(), workers-14)
	}
	if got := balanceOf(t, s, "erin"); got != money.MustAmount("2.00") {
		t.Errorf("final balance = %s, want 2.00", got)
	}
}

// Mixed deposits and withdrawals across accounts: final = deposits - successful withdrawals
func testConcurrentAccounts(t *testing.T, s account.Store) {
	ids := []string{"a1", "a2", "a3", "a4"}
	for _, id := range ids {
		mustCreate(t, s, id)
	}

	const rounds = 25
	var wg sync.WaitGroup
	withdrawn := make([]atomic.Int64, len(ids))

	for i, id := range ids {
		i, id := i, id
		for r := 0; r < rounds; r++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := s.Adjust(context.Background(), deposit(id, "2.00")); err != nil {
					t.Errorf("deposit %s: %v", id, err)
				}
			}()
			go func() {
				defer wg.Done()
				_, err := s.Adjust(context.Background(), withdraw(id, "3.00"))
				if err == nil {
					withdrawn[i].Add(1)
				} else if !errors.Is(err, account.ErrPreconditionFailed) {
					t.Errorf("withdraw %s: %v", id, err)
				}
			}()
		}
	}
	wg.Wait()

	for i, id := range ids {
		want := money.Amount(rounds*200 - withdrawn[i].Load()*300)
		if got := balanceOf(t, s, id); got != want {
			t.Errorf("%s balance = %s, want %s", id, got, want)
		}
		hist, err := s.History(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("history %s: %v", id, err)
		}
		if len(hist) != rounds+int(withdrawn[i].Load()) {
			t.Errorf("%s history len = %d, want %d", id, len(hist), rounds+int(withdrawn[i].Load()))
		}
	}
}
