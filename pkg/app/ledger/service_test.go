package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/exchange"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// fakeVenue counts submissions and answers with fn
type fakeVenue struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req exchange.OrderRequest) exchange.OrderResult
}

func (v *fakeVenue) Submit(ctx context.Context, req exchange.OrderRequest) exchange.OrderResult {
	v.calls.Add(1)
	return v.fn(ctx, req)
}

func fillAt(settlement, fee string) *fakeVenue {
	return &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		s := decimal.RequireFromString(settlement)
		return exchange.Filled("ref-"+req.ClientOrderID, req.Quantity, &s, decimal.RequireFromString(fee))
	}}
}

func failing(code exchange.FailureCode) *fakeVenue {
	return &fakeVenue{fn: func(context.Context, exchange.OrderRequest) exchange.OrderResult {
		return exchange.Failed(code, "venue said no")
	}}
}

// flakyStore fails trade settlements while broken is set
type flakyStore struct {
	account.Store
	broken atomic.Bool
}

func (f *flakyStore) Adjust(ctx context.Context, m account.Mutation) (account.Adjustment, error) {
	if f.broken.Load() && strings.HasPrefix(m.Key, "trade:") {
		return account.Adjustment{}, errors.New("store unavailable")
	}
	return f.Store.Adjust(ctx, m)
}

type recordingAlerter struct {
	mu    sync.Mutex
	alert []Pending
}

func (r *recordingAlerter) Alert(_ context.Context, p Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert = append(r.alert, p)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alert)
}

var testStart = time.Unix(1_700_000_000, 0)

func newTestService(t *testing.T, venue exchange.Gateway) (*Service, *flakyStore, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(testStart)
	store := &flakyStore{Store: account.NewMemoryStore(clock)}
	svc := NewService(store, venue, NewMemoryJournal(), clock)
	if _, err := svc.Open(context.Background(), "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	return svc, store, clock
}

func mustBalance(t *testing.T, svc *Service, id string, want string) {
	t.Helper()
	got, err := svc.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.String() != want {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func wantKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("err = nil, want %s", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("kind = %s, want %s (err: %v)", got, want, err)
	}
}

func TestDepositWithdrawScenario(t *testing.T) {
	svc, _, _ := newTestService(t, failing(exchange.CodeRejected))
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("100.00")); err != nil {
		t.Fatal(err)
	}
	bal, err := svc.Withdraw(ctx, "alice", money.MustAmount("30.00"))
	if err != nil || bal.String() != "70.00" {
		t.Fatalf("withdraw 30 = %s, %v", bal, err)
	}

	_, err = svc.Withdraw(ctx, "alice", money.MustAmount("1000.00"))
	wantKind(t, err, KindInsufficientBalance)
	mustBalance(t, svc, "alice", "70.00")

	bal, err = svc.Deposit(ctx, "alice", money.MustAmount("5.00"))
	if err != nil || bal.String() != "75.00" {
		t.Fatalf("deposit 5 = %s, %v", bal, err)
	}

	history, err := svc.History(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3", len(history))
	}
}

func TestInvalidInputNeverReachesVenue(t *testing.T) {
	venue := fillAt("1", "0")
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"zero deposit", func() error { _, err := svc.Deposit(ctx, "alice", 0); return err }},
		{"negative withdraw", func() error { _, err := svc.Withdraw(ctx, "alice", money.MustAmount("-1")); return err }},
		{"empty symbol", func() error { _, err := svc.Buy(ctx, "alice", "  ", money.MustQuantity("1")); return err }},
		{"zero quantity", func() error { _, err := svc.Sell(ctx, "alice", "X", 0); return err }},
		{"reserved client order id", func() error {
			_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("a:b"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantKind(t, tt.call(), KindInvalidInput)
		})
	}
	if n := venue.calls.Load(); n != 0 {
		t.Errorf("venue calls = %d, want 0", n)
	}
	mustBalance(t, svc, "alice", "0.00")
}

func TestUnknownAccount(t *testing.T) {
	venue := fillAt("1", "0")
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "bob", money.MustAmount("1"))
	wantKind(t, err, KindNotFound)

	_, err = svc.Buy(ctx, "bob", "X", money.MustQuantity("1"))
	wantKind(t, err, KindNotFound)
	if venue.calls.Load() != 0 {
		t.Error("venue called for unknown account")
	}
}

func TestBuyGatewayFailureLeavesBalance(t *testing.T) {
	for _, code := range []exchange.FailureCode{exchange.CodeRejected, exchange.CodeTimeout, exchange.CodeNetwork, exchange.CodeCircuitOpen} {
		t.Run(string(code), func(t *testing.T) {
			svc, _, _ := newTestService(t, failing(code))
			var events []Event
			svc.OnEvent = func(ev Event) { events = append(events, ev) }

			_, err := svc.Buy(context.Background(), "alice", "X", money.MustQuantity("1"))
			wantKind(t, err, KindExchange)
			if !IsRetryable(err) {
				t.Error("exchange error should be retryable")
			}
			var verr *VenueError
			if !errors.As(err, &verr) || verr.Code != string(code) {
				t.Errorf("venue error = %v", err)
			}
			mustBalance(t, svc, "alice", "0.00")
			if len(events) != 1 || events[0].Type != EventTradeFailed {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

func TestBuyAndSellSettle(t *testing.T) {
	ctx := context.Background()

	buyer, _, _ := newTestService(t, fillAt("30.005", "0"))
	if _, err := buyer.Deposit(ctx, "alice", money.MustAmount("100")); err != nil {
		t.Fatal(err)
	}
	r, err := buyer.Buy(ctx, "alice", "BTCUSDT", money.MustQuantity("1"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if r.State != StateReconciled || r.Delta.String() != "-30.01" || r.Balance.String() != "69.99" {
		t.Errorf("receipt = %+v", r)
	}
	if r.Message != "Bought 1 of BTCUSDT" || !strings.HasPrefix(r.OrderRef, "ref-") {
		t.Errorf("receipt = %+v", r)
	}
	mustBalance(t, buyer, "alice", "69.99")

	seller, _, _ := newTestService(t, fillAt("10.009", "0.001"))
	r, err = seller.Sell(ctx, "alice", "BTCUSDT", money.MustQuantity("0.25"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if r.Delta.String() != "10.00" || r.Message != "Sold 0.25 of BTCUSDT" {
		t.Errorf("receipt = %+v", r)
	}
	mustBalance(t, seller, "alice", "10.00")
}

func TestFillWithoutSettlementRecordsTrade(t *testing.T) {
	venue := &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		return exchange.Filled("r1", req.Quantity, nil, decimal.Zero)
	}}
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()

	if _, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("o1")); err != nil {
		t.Fatal(err)
	}
	mustBalance(t, svc, "alice", "0.00")
	history, _ := svc.History(ctx, "alice", 1)
	if len(history) != 1 || history[0].Key != "trade:o1" || history[0].Ref != "r1" {
		t.Errorf("history = %+v", history)
	}
}

func TestTradeSettlesExactlyOnce(t *testing.T) {
	venue := fillAt("25", "0")
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("100")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var replays atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("order-1"))
			if err != nil {
				t.Errorf("buy: %v", err)
				return
			}
			if r.Replayed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := venue.calls.Load(); n != 1 {
		t.Errorf("venue calls = %d, want 1", n)
	}
	if n := replays.Load(); n != 9 {
		t.Errorf("replays = %d, want 9", n)
	}
	mustBalance(t, svc, "alice", "75.00")

	_, err := svc.Sell(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("order-1"))
	wantKind(t, err, KindInvalidInput)
}

func TestReconciliationFailureIsSurfacedAndRepaired(t *testing.T) {
	venue := fillAt("30", "0")
	svc, _, _ := newTestService(t, venue)
	alerts := &recordingAlerter{}
	svc.Alerter = alerts
	var events []Event
	svc.OnEvent = func(ev Event) { events = append(events, ev) }
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("10")); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("o1"))
	wantKind(t, err, KindReconciliationFailed)
	if IsRetryable(err) {
		t.Error("reconciliation failure must not be retryable")
	}
	p, ok := PendingOf(err)
	if !ok || p.VenueOrderID != venueOrderID("alice", "o1") || p.OrderRef != "ref-"+p.VenueOrderID {
		t.Fatalf("pending = %+v, %v", p, ok)
	}
	if p.Delta.String() != "-30.00" || p.AccountID != "alice" || p.Unpriced {
		t.Fatalf("pending = %+v", p)
	}
	mustBalance(t, svc, "alice", "10.00")
	if alerts.count() != 1 {
		t.Errorf("alerts = %d, want 1", alerts.count())
	}
	if last := events[len(events)-1]; last.Type != EventReconciliationFailed {
		t.Errorf("last event = %+v", last)
	}

	_, err = svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("o1"))
	wantKind(t, err, KindReconciliationFailed)
	if venue.calls.Load() != 1 {
		t.Errorf("venue calls = %d, want 1", venue.calls.Load())
	}

	pending, _ := svc.PendingReconciliations(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	_, err = svc.Reconcile(ctx, "alice", "o1")
	wantKind(t, err, KindReconciliationFailed)
	pending, _ = svc.PendingReconciliations(ctx)
	if pending[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", pending[0].Attempts)
	}

	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("50")); err != nil {
		t.Fatal(err)
	}
	r, err := svc.Reconcile(ctx, "alice", "o1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if r.Balance.String() != "30.00" || r.State != StateReconciled {
		t.Errorf("receipt = %+v", r)
	}
	pending, _ = svc.PendingReconciliations(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after repair = %d", len(pending))
	}

	_, err = svc.Reconcile(ctx, "alice", "o1")
	wantKind(t, err, KindNotFound)

	r, err = svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("o1"))
	if err != nil || !r.Replayed {
		t.Errorf("resend after repair = %+v, %v", r, err)
	}
	mustBalance(t, svc, "alice", "30.00")
}

func TestReconcilerRepairsAfterStoreRecovers(t *testing.T) {
	svc, store, clock := newTestService(t, fillAt("12.34", "0"))
	ctx := context.Background()

	store.broken.Store(true)
	_, err := svc.Sell(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("s1"))
	wantKind(t, err, KindReconciliationFailed)
	mustBalance(t, svc, "alice", "0.00")

	rec := NewReconciler(svc, time.Second)

	pass, err := rec.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Deferred != 1 || pass.Repaired != 0 {
		t.Errorf("pass before backoff = %+v", pass)
	}

	clock.Advance(RetryDelay(1))
	pass, _ = rec.RunOnce(ctx)
	if pass.Failed != 1 {
		t.Errorf("pass while broken = %+v", pass)
	}

	store.broken.Store(false)
	clock.Advance(RetryDelay(2))
	pass, _ = rec.RunOnce(ctx)
	if pass.Repaired != 1 {
		t.Errorf("pass after recovery = %+v", pass)
	}
	mustBalance(t, svc, "alice", "12.34")

	pass, _ = rec.RunOnce(ctx)
	if pass != (Pass{}) {
		t.Errorf("empty journal pass = %+v", pass)
	}
}

func TestCancelledCallerStillReconciles(t *testing.T) {
	release := make(chan struct{})
	submitted := make(chan struct{})
	venue := &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		close(submitted)
		<-release
		s := decimal.RequireFromString("5")
		return exchange.Filled("r1", req.Quantity, &s, decimal.Zero)
	}}
	svc, _, _ := newTestService(t, venue)
	if _, err := svc.Deposit(context.Background(), "alice", money.MustAmount("20")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"))
		errc <- err
	}()

	<-submitted
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(release)
	svc.Wait()
	mustBalance(t, svc, "alice", "15.00")
}

func TestLateFillIsJournaled(t *testing.T) {
	var submitted exchange.OrderRequest
	venue := &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		submitted = req
		return exchange.Failed(exchange.CodeTimeout, "no venue result")
	}}
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("50")); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("slow"))
	wantKind(t, err, KindExchange)
	if submitted.ClientOrderID != venueOrderID("alice", "slow") {
		t.Fatalf("venue order id = %q", submitted.ClientOrderID)
	}

	s := decimal.RequireFromString("20")
	svc.HandleLateResult(submitted, exchange.Filled("late", submitted.Quantity, &s, decimal.Zero))

	pending, _ := svc.PendingReconciliations(ctx)
	if len(pending) != 1 || pending[0].AccountID != "alice" || pending[0].ClientOrderID != "slow" || pending[0].Delta.String() != "-20.00" {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := svc.Reconcile(ctx, "alice", "slow"); err != nil {
		t.Fatal(err)
	}
	mustBalance(t, svc, "alice", "30.00")

	// unknown orders are logged, not journaled
	svc.HandleLateResult(exchange.OrderRequest{ClientOrderID: "nope", Side: exchange.Buy}, exchange.Filled("x", 1, nil, decimal.Zero))
	pending, _ = svc.PendingReconciliations(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
}

func timedOutOrders(svc *Service) int {
	n := 0
	svc.timedOut.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func TestLateFailuresForgetTimedOutOrders(t *testing.T) {
	aborts := exchange.GatewayFunc(func(ctx context.Context, req exchange.OrderRequest) exchange.OrderResult {
		<-ctx.Done()
		return exchange.Failed(exchange.CodeNetwork, "request aborted: %v", ctx.Err())
	})
	venue := exchange.WithTimeout(aborts, 5*time.Millisecond)
	svc, _, _ := newTestService(t, venue)
	venue.OnLateResult = svc.HandleLateResult
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"))
		wantKind(t, err, KindExchange)
	}
	svc.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for timedOutOrders(svc) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed-out orders still tracked: %d", timedOutOrders(svc))
		}
		time.Sleep(5 * time.Millisecond)
	}
	pending, _ := svc.PendingReconciliations(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestClientOrderIDsAreScopedPerAccount(t *testing.T) {
	instruments := exchange.NewInstruments()
	if err := instruments.Register(exchange.Instrument{Symbol: "BTCUSDT", Price: decimal.RequireFromString("100")}); err != nil {
		t.Fatal(err)
	}
	svc, store, _ := newTestService(t, exchange.NewPaperGateway(instruments, 0))
	ctx := context.Background()
	if _, err := svc.Open(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alice", "bob"} {
		if _, err := svc.Deposit(ctx, id, money.MustAmount("500")); err != nil {
			t.Fatal(err)
		}
	}

	// alice's fill cannot be booked and waits in the journal
	store.broken.Store(true)
	_, err := svc.Buy(ctx, "alice", "BTCUSDT", money.MustQuantity("1"), WithIdempotencyKey("o1"))
	wantKind(t, err, KindReconciliationFailed)
	store.broken.Store(false)

	rb, err := svc.Buy(ctx, "bob", "BTCUSDT", money.MustQuantity("2"), WithIdempotencyKey("o1"))
	if err != nil {
		t.Fatalf("bob buy: %v", err)
	}
	if rb.Replayed || rb.FilledQty.String() != "2" || rb.Delta.String() != "-200.00" {
		t.Errorf("bob receipt = %+v", rb)
	}
	mustBalance(t, svc, "bob", "300.00")

	_, err = svc.Reconcile(ctx, "bob", "o1")
	wantKind(t, err, KindNotFound)

	ra, err := svc.Reconcile(ctx, "alice", "o1")
	if err != nil {
		t.Fatalf("alice reconcile: %v", err)
	}
	if ra.OrderRef == rb.OrderRef {
		t.Errorf("alice and bob share venue order %s", ra.OrderRef)
	}
	mustBalance(t, svc, "alice", "400.00")

	again, err := svc.Buy(ctx, "bob", "BTCUSDT", money.MustQuantity("2"), WithIdempotencyKey("o1"))
	if err != nil || !again.Replayed || again.OrderRef != rb.OrderRef {
		t.Errorf("bob resend = %+v, %v", again, err)
	}
	mustBalance(t, svc, "alice", "400.00")
	mustBalance(t, svc, "bob", "300.00")
}

func TestUnreadableSettlementWaitsForPricing(t *testing.T) {
	venue := &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		return exchange.FilledUnpriced("r9", req.Quantity, "commission %q", "n/a")
	}}
	svc, _, clock := newTestService(t, venue)
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("100")); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("u1"))
	wantKind(t, err, KindReconciliationFailed)
	if p, ok := PendingOf(err); !ok || !p.Unpriced || p.OrderRef != "r9" {
		t.Fatalf("pending = %+v, %v", p, ok)
	}
	mustBalance(t, svc, "alice", "100.00")

	clock.Advance(time.Hour)
	pass, err := NewReconciler(svc, time.Second).RunOnce(ctx)
	if err != nil || pass.Unpriced != 1 || pass.Repaired != 0 {
		t.Errorf("pass = %+v, %v", pass, err)
	}
	_, err = svc.Reconcile(ctx, "alice", "u1")
	wantKind(t, err, KindReconciliationFailed)
	mustBalance(t, svc, "alice", "100.00")

	_, err = svc.PriceFill(ctx, "alice", "u1", money.MustAmount("25"))
	wantKind(t, err, KindInvalidInput)
	_, err = svc.PriceFill(ctx, "bob", "u1", money.MustAmount("-25"))
	wantKind(t, err, KindNotFound)

	p, err := svc.PriceFill(ctx, "alice", "u1", money.MustAmount("-25"))
	if err != nil || p.Unpriced || p.Delta.String() != "-25.00" {
		t.Fatalf("price = %+v, %v", p, err)
	}
	r, err := svc.Reconcile(ctx, "alice", "u1")
	if err != nil || r.Balance.String() != "75.00" || r.FilledQty.String() != "1" {
		t.Errorf("reconcile = %+v, %v", r, err)
	}
	if venue.calls.Load() != 1 {
		t.Errorf("venue calls = %d, want 1", venue.calls.Load())
	}
}

func TestReplayReportsFilledQuantity(t *testing.T) {
	venue := &fakeVenue{fn: func(_ context.Context, req exchange.OrderRequest) exchange.OrderResult {
		s := decimal.RequireFromString("10")
		return exchange.Filled("p1", req.Quantity/2, &s, decimal.Zero)
	}}
	svc, _, _ := newTestService(t, venue)
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("50")); err != nil {
		t.Fatal(err)
	}

	first, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("part"))
	if err != nil || first.FilledQty.String() != "0.5" {
		t.Fatalf("buy = %+v, %v", first, err)
	}
	again, err := svc.Buy(ctx, "alice", "X", money.MustQuantity("1"), WithIdempotencyKey("part"))
	if err != nil || !again.Replayed {
		t.Fatalf("resend = %+v, %v", again, err)
	}
	if again.FilledQty.String() != "0.5" || again.Message != "Bought 0.5 of X" {
		t.Errorf("replayed receipt = %+v", again)
	}
	history, _ := svc.History(ctx, "alice", 1)
	if len(history) != 1 || history[0].Qty.String() != "0.5" {
		t.Errorf("history = %+v", history)
	}
	mustBalance(t, svc, "alice", "40.00")
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	svc, _, _ := newTestService(t, failing(exchange.CodeRejected))
	ctx := context.Background()
	if _, err := svc.Deposit(ctx, "alice", money.MustAmount("50.00")); err != nil {
		t.Fatal(err)
	}

	var ok, insufficient atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, "alice", money.MustAmount("1.00"))
			switch {
			case err == nil:
				ok.Add(1)
			case KindOf(err) == KindInsufficientBalance:
				insufficient.Add(1)
			default:
				t.Errorf("withdraw: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 50 || insufficient.Load() != 50 {
		t.Errorf("ok = %d, insufficient = %d", ok.Load(), insufficient.Load())
	}
	mustBalance(t, svc, "alice", "0.00")
}

func TestIdempotentDeposit(t *testing.T) {
	svc, _, _ := newTestService(t, failing(exchange.CodeRejected))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Deposit(ctx, "alice", money.MustAmount("10"), WithIdempotencyKey("d1")); err != nil {
			t.Fatal(err)
		}
	}
	mustBalance(t, svc, "alice", "10.00")

	_, err := svc.Deposit(ctx, "alice", money.MustAmount("11"), WithIdempotencyKey("d1"))
	wantKind(t, err, KindInvalidInput)
}
