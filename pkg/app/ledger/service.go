package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/exchange"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// Service orchestrates deposits, withdrawals and trades against one Store and one venue.
//
// Trades submit to the venue first and touch the balance only after a fill.
// No account lock is held across the venue call.
type Service struct {
	store   account.Store
	venue   exchange.Gateway
	journal Journal
	clock   util.Clock

	Logger  *zap.SugaredLogger
	Alerter Alerter
	// OnEvent is called synchronously after balance changes and abnormal trade outcomes
	OnEvent func(Event)

	// one execution per venue order id at a time
	orders *account.KeyedMutex
	// detached trade executions still running
	inflight sync.WaitGroup
	// venue order id -> lateOrder, for submissions that may still fill after a timeout
	timedOut sync.Map
}

type lateOrder struct {
	accountID     string
	clientOrderID string
}

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tradeledger:client-order"))

// venueOrderID derives the id sent to the venue. Client order ids are chosen
// per account, so two accounts may use the same one; the venue must still see
// two distinct orders.
func venueOrderID(accountID, clientOrderID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(accountID+"\x00"+clientOrderID)).String()
}

func NewService(store account.Store, venue exchange.Gateway, journal Journal, clock util.Clock) *Service {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Service{
		store:   store,
		venue:   venue,
		journal: journal,
		clock:   clock,
		orders:  account.NewKeyedMutex(),
	}
}

// Receipt describes a completed trade
type Receipt struct {
	ClientOrderID string         `json:"clientOrderId"`
	OrderRef      string         `json:"orderRef"`
	Message       string         `json:"message"`
	Delta         money.Amount   `json:"delta"`
	Balance       money.Amount   `json:"balance"`
	FilledQty     money.Quantity `json:"filledQty"`
	State         State          `json:"state"`
	// Replayed is true when the trade had already been settled by an earlier call
	Replayed bool `json:"replayed"`
}

// Option customizes a single operation
type Option func(*opOptions)

type opOptions struct {
	key string
}

// WithIdempotencyKey makes a deposit or withdrawal safe to resend, and sets
// the client order id of a trade. A trade resent by the same account with the
// same id is never submitted or settled twice.
func WithIdempotencyKey(key string) Option {
	return func(o *opOptions) { o.key = key }
}

func collect(opts []Option) opOptions {
	var o opOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (s *Service) log() *zap.SugaredLogger { return util.OrNop(s.Logger) }

// Open registers an account with zero balance
func (s *Service) Open(ctx context.Context, accountID string) (account.Account, error) {
	acc, err := s.store.Create(ctx, accountID)
	if err != nil {
		return account.Account{}, storeError("open", err)
	}
	s.log().Infow("account_opened", "account", accountID)
	return acc, nil
}

// Balance returns the current balance
func (s *Service) Balance(ctx context.Context, accountID string) (money.Amount, error) {
	acc, err := s.store.Get(ctx, accountID)
	if err != nil {
		return 0, storeError("balance", err)
	}
	return acc.Balance, nil
}

// History returns the most recent balance changes, newest first
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]account.Entry, error) {
	entries, err := s.store.History(ctx, accountID, limit)
	if err != nil {
		return nil, storeError("history", err)
	}
	return entries, nil
}

// Deposit credits a positive amount and returns the new balance
func (s *Service) Deposit(ctx context.Context, accountID string, amount money.Amount, opts ...Option) (money.Amount, error) {
	if !amount.IsPositive() {
		return 0, invalid("deposit", "amount must be positive, got %s", amount)
	}
	return s.cash(ctx, "deposit", account.Mutation{
		AccountID:    accountID,
		Delta:        amount,
		Precondition: account.None(),
		Key:          cashKey("deposit", collect(opts).key),
		Kind:         account.KindDeposit,
	})
}

// Withdraw debits a positive amount if the balance covers it and returns the new balance
func (s *Service) Withdraw(ctx context.Context, accountID string, amount money.Amount, opts ...Option) (money.Amount, error) {
	if !amount.IsPositive() {
		return 0, invalid("withdraw", "amount must be positive, got %s", amount)
	}
	return s.cash(ctx, "withdraw", account.Mutation{
		AccountID:    accountID,
		Delta:        amount.Neg(),
		Precondition: account.MinBalance(0),
		Key:          cashKey("withdraw", collect(opts).key),
		Kind:         account.KindWithdraw,
	})
}

func cashKey(op, key string) string {
	if key == "" {
		return ""
	}
	return op + ":" + key
}

func (s *Service) cash(ctx context.Context, op string, m account.Mutation) (money.Amount, error) {
	adj, err := s.store.Adjust(ctx, m)
	if err != nil {
		return 0, storeError(op, err)
	}
	if !adj.Replayed {
		s.emit(Event{
			Type:      EventBalance,
			AccountID: m.AccountID,
			Balance:   adj.Balance,
			Delta:     m.Delta,
			Kind:      string(m.Kind),
			At:        adj.Entry.At,
		})
	}
	s.log().Infow("balance_adjusted",
		"op", op,
		"account", m.AccountID,
		"delta", m.Delta.String(),
		"balance", adj.Balance.String(),
		"replayed", adj.Replayed)
	return adj.Balance, nil
}

// Buy submits a market buy and debits the fill's cost
func (s *Service) Buy(ctx context.Context, accountID, symbol string, qty money.Quantity, opts ...Option) (Receipt, error) {
	return s.trade(ctx, exchange.Buy, accountID, symbol, qty, collect(opts))
}

// Sell submits a market sell and credits the fill's proceeds
func (s *Service) Sell(ctx context.Context, accountID, symbol string, qty money.Quantity, opts ...Option) (Receipt, error) {
	return s.trade(ctx, exchange.Sell, accountID, symbol, qty, collect(opts))
}

type outcome struct {
	receipt Receipt
	err     error
}

func (s *Service) trade(ctx context.Context, side exchange.Side, accountID, symbol string, qty money.Quantity, o opOptions) (Receipt, error) {
	op := string(side)
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Receipt{}, invalid(op, "symbol is empty")
	}
	if !qty.IsPositive() {
		return Receipt{}, invalid(op, "quantity must be positive, got %s", qty)
	}
	if o.key != "" && strings.ContainsAny(o.key, ":\x00") {
		return Receipt{}, invalid(op, "client order id %q contains a reserved character", o.key)
	}
	if _, err := s.store.Get(ctx, accountID); err != nil {
		return Receipt{}, storeError(op, err)
	}

	coid := o.key
	if coid == "" {
		coid = uuid.NewString()
	}
	req := exchange.OrderRequest{
		ClientOrderID: venueOrderID(accountID, coid),
		Symbol:        symbol,
		Quantity:      qty,
		Side:          side,
	}

	// The venue may fill irrevocably once submitted, so execution does not
	// inherit the caller's cancellation.
	done := make(chan outcome, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		r, err := s.execute(context.WithoutCancel(ctx), accountID, coid, req)
		done <- outcome{r, err}
	}()

	select {
	case out := <-done:
		return out.receipt, out.err
	case <-ctx.Done():
		s.log().Warnw("trade_caller_gone",
			"account", accountID,
			"client_order_id", coid,
			"err", ctx.Err())
		return Receipt{}, ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, accountID, coid string, req exchange.OrderRequest) (Receipt, error) {
	op := string(req.Side)
	unlock := s.orders.Lock(req.ClientOrderID)
	defer unlock()

	if r, ok, err := s.settled(ctx, op, accountID, coid, req); ok || err != nil {
		return r, err
	}

	lc := newLifecycle()
	lc.advance(StateSubmitted)
	// a timed-out submission is forgotten by HandleLateResult once the venue answers
	s.timedOut.Store(req.ClientOrderID, lateOrder{accountID: accountID, clientOrderID: coid})
	res := s.venue.Submit(ctx, req)
	if res.IsFilled() || res.Code != exchange.CodeTimeout {
		s.timedOut.Delete(req.ClientOrderID)
	}

	if !res.IsFilled() {
		lc.advance(StateFailed)
		s.log().Warnw("trade_failed",
			"account", accountID,
			"client_order_id", coid,
			"venue_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"side", req.Side,
			"code", res.Code,
			"detail", res.ErrorDetail,
			"path", lc.String())
		s.emit(Event{
			Type:          EventTradeFailed,
			AccountID:     accountID,
			ClientOrderID: coid,
			State:         lc.state.String(),
			Detail:        res.Error(),
		})
		return Receipt{}, fail(op, KindExchange, &VenueError{Code: string(res.Code), Detail: res.ErrorDetail})
	}
	lc.advance(StateFilled)

	p := Pending{
		ClientOrderID: coid,
		AccountID:     accountID,
		VenueOrderID:  req.ClientOrderID,
		Side:          req.Side,
		Symbol:        req.Symbol,
		Quantity:      res.FilledQty,
		OrderRef:      res.ExternalRef,
		CreatedAt:     s.clock.Now().UnixMilli(),
	}
	delta, err := SettlementDelta(req.Side, res)
	if err != nil {
		lc.advance(StateReconciliationFailed)
		p.Unpriced = true
		return Receipt{}, s.reconciliationFailed(ctx, op, p, lc, fmt.Errorf("settlement: %w", err))
	}
	p.Delta = delta

	adj, err := s.store.Adjust(ctx, p.Mutation())
	if err != nil {
		lc.advance(StateReconciliationFailed)
		return Receipt{}, s.reconciliationFailed(ctx, op, p, lc, err)
	}
	lc.advance(StateReconciled)

	s.emit(Event{
		Type:          EventBalance,
		AccountID:     accountID,
		Balance:       adj.Balance,
		Delta:         delta,
		Kind:          op,
		ClientOrderID: coid,
		OrderRef:      res.ExternalRef,
		State:         lc.state.String(),
		At:            adj.Entry.At,
	})
	s.log().Infow("trade_reconciled",
		"account", accountID,
		"client_order_id", coid,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", res.FilledQty.String(),
		"ref", res.ExternalRef,
		"delta", delta.String(),
		"balance", adj.Balance.String(),
		"path", lc.String())

	return Receipt{
		ClientOrderID: coid,
		OrderRef:      res.ExternalRef,
		Message:       tradeMessage(req.Side, res.FilledQty, req.Symbol),
		Delta:         delta,
		Balance:       adj.Balance,
		FilledQty:     res.FilledQty,
		State:         StateReconciled,
		Replayed:      adj.Replayed,
	}, nil
}

// settled answers a resent trade from the ledger without touching the venue
func (s *Service) settled(ctx context.Context, op, accountID, coid string, req exchange.OrderRequest) (Receipt, bool, error) {
	entry, ok, err := s.store.Entry(ctx, accountID, tradeKey(coid))
	if err != nil {
		return Receipt{}, false, storeError(op, err)
	}
	if ok {
		if string(entry.Kind) != op {
			return Receipt{}, false, invalid(op, "client order id %s was used for a %s", coid, entry.Kind)
		}
		acc, err := s.store.Get(ctx, accountID)
		if err != nil {
			return Receipt{}, false, storeError(op, err)
		}
		return Receipt{
			ClientOrderID: coid,
			OrderRef:      entry.Ref,
			Message:       tradeMessage(req.Side, entry.Qty, req.Symbol),
			Delta:         entry.Delta,
			Balance:       acc.Balance,
			FilledQty:     entry.Qty,
			State:         StateReconciled,
			Replayed:      true,
		}, true, nil
	}

	p, ok, err := s.journal.Get(ctx, accountID, coid)
	if err != nil {
		return Receipt{}, false, fail(op, KindInternal, fmt.Errorf("journal: %w", err))
	}
	if ok {
		return Receipt{}, true, &Error{
			Op:      op,
			Kind:    KindReconciliationFailed,
			Err:     fmt.Errorf("fill %s awaits reconciliation: %s", p.OrderRef, p.Cause),
			Pending: &p,
		}
	}
	return Receipt{}, false, nil
}

func (s *Service) reconciliationFailed(ctx context.Context, op string, p Pending, lc *lifecycle, cause error) error {
	p.Cause = cause.Error()
	p.Attempts = 1
	p.LastAttemptAt = s.clock.Now().UnixMilli()

	if err := s.journal.Record(ctx, p); err != nil {
		s.log().Errorw("reconciliation_journal_failed",
			"account", p.AccountID,
			"client_order_id", p.ClientOrderID,
			"err", err)
	}
	if s.Alerter != nil {
		if err := s.Alerter.Alert(ctx, p); err != nil {
			s.log().Errorw("reconciliation_alert_failed",
				"client_order_id", p.ClientOrderID,
				"err", err)
		}
	}

	s.log().Errorw("reconciliation_failed",
		"account", p.AccountID,
		"client_order_id", p.ClientOrderID,
		"symbol", p.Symbol,
		"side", p.Side,
		"qty", p.Quantity.String(),
		"ref", p.OrderRef,
		"delta", p.Delta.String(),
		"unpriced", p.Unpriced,
		"cause", p.Cause,
		"path", lc.String())
	s.emit(Event{
		Type:          EventReconciliationFailed,
		AccountID:     p.AccountID,
		Delta:         p.Delta,
		Kind:          op,
		ClientOrderID: p.ClientOrderID,
		OrderRef:      p.OrderRef,
		State:         lc.state.String(),
		Detail:        p.Cause,
	})

	return &Error{Op: op, Kind: KindReconciliationFailed, Err: cause, Pending: &p}
}

// PendingReconciliations lists fills that still owe a balance update, oldest first
func (s *Service) PendingReconciliations(ctx context.Context) ([]Pending, error) {
	ps, err := s.journal.List(ctx)
	if err != nil {
		return nil, fail("pending", KindInternal, err)
	}
	return ps, nil
}

// Reconcile retries the balance update of one pending fill. The update reuses
// the fill's idempotency key, so it is applied at most once however often it runs.
func (s *Service) Reconcile(ctx context.Context, accountID, clientOrderID string) (Receipt, error) {
	const op = "reconcile"
	unlock := s.orders.Lock(venueOrderID(accountID, clientOrderID))
	defer unlock()

	p, err := s.pending(ctx, op, accountID, clientOrderID)
	if err != nil {
		return Receipt{}, err
	}
	if p.Unpriced {
		return Receipt{}, &Error{
			Op:      op,
			Kind:    KindReconciliationFailed,
			Err:     fmt.Errorf("fill %s has no readable settlement; price it first", p.OrderRef),
			Pending: &p,
		}
	}

	adj, err := s.store.Adjust(ctx, p.Mutation())
	if err != nil {
		p.Attempts++
		p.LastAttemptAt = s.clock.Now().UnixMilli()
		p.Cause = err.Error()
		if jerr := s.journal.Record(ctx, p); jerr != nil {
			s.log().Errorw("reconciliation_journal_failed", "account", accountID, "client_order_id", clientOrderID, "err", jerr)
		}
		s.log().Warnw("reconciliation_retry_failed",
			"account", accountID,
			"client_order_id", clientOrderID,
			"attempts", p.Attempts,
			"err", err)
		return Receipt{}, &Error{Op: op, Kind: KindReconciliationFailed, Err: err, Pending: &p}
	}

	if err := s.journal.Resolve(ctx, accountID, clientOrderID); err != nil {
		return Receipt{}, fail(op, KindInternal, fmt.Errorf("journal resolve: %w", err))
	}

	s.emit(Event{
		Type:          EventReconciled,
		AccountID:     accountID,
		Balance:       adj.Balance,
		Delta:         p.Delta,
		Kind:          string(p.Side),
		ClientOrderID: clientOrderID,
		OrderRef:      p.OrderRef,
		State:         StateReconciled.String(),
	})
	s.log().Infow("reconciliation_repaired",
		"account", accountID,
		"client_order_id", clientOrderID,
		"ref", p.OrderRef,
		"delta", p.Delta.String(),
		"balance", adj.Balance.String(),
		"attempts", p.Attempts,
		"replayed", adj.Replayed)

	return Receipt{
		ClientOrderID: clientOrderID,
		OrderRef:      p.OrderRef,
		Message:       tradeMessage(p.Side, p.Quantity, p.Symbol),
		Delta:         p.Delta,
		Balance:       adj.Balance,
		FilledQty:     p.Quantity,
		State:         StateReconciled,
		Replayed:      adj.Replayed,
	}, nil
}

// PriceFill sets the settlement of a pending fill whose venue result could not
// be read, from the operator's own record of the trade. delta is the signed
// balance change: zero or negative for a buy, zero or positive for a sell.
// The fill is booked by the next Reconcile.
func (s *Service) PriceFill(ctx context.Context, accountID, clientOrderID string, delta money.Amount) (Pending, error) {
	const op = "price"
	unlock := s.orders.Lock(venueOrderID(accountID, clientOrderID))
	defer unlock()

	p, err := s.pending(ctx, op, accountID, clientOrderID)
	if err != nil {
		return Pending{}, err
	}
	if (p.Side == exchange.Buy && delta.IsPositive()) || (p.Side == exchange.Sell && delta.IsNegative()) {
		return Pending{}, invalid(op, "delta %s has the wrong sign for a %s", delta, p.Side)
	}
	if !p.Unpriced && p.Delta != delta {
		return Pending{}, invalid(op, "fill %s is already priced at %s", p.OrderRef, p.Delta)
	}

	p.Delta = delta
	p.Unpriced = false
	p.Cause = "priced by operator"
	if err := s.journal.Record(ctx, p); err != nil {
		return Pending{}, fail(op, KindInternal, fmt.Errorf("journal: %w", err))
	}
	s.log().Infow("reconciliation_priced",
		"account", accountID,
		"client_order_id", clientOrderID,
		"ref", p.OrderRef,
		"delta", delta.String())
	return p, nil
}

func (s *Service) pending(ctx context.Context, op, accountID, clientOrderID string) (Pending, error) {
	p, ok, err := s.journal.Get(ctx, accountID, clientOrderID)
	if err != nil {
		return Pending{}, fail(op, KindInternal, fmt.Errorf("journal: %w", err))
	}
	if !ok {
		return Pending{}, fail(op, KindNotFound, fmt.Errorf("no pending reconciliation for %s/%s", accountID, clientOrderID))
	}
	return p, nil
}

// HandleLateResult receives the venue's answer to a submission that had
// already been reported as timed out. A fill is journaled so the reconciler
// can settle it; a failure only forgets the order. It matches the signature
// of exchange.Timeout.OnLateResult.
func (s *Service) HandleLateResult(req exchange.OrderRequest, res exchange.OrderResult) {
	v, ok := s.timedOut.LoadAndDelete(req.ClientOrderID)
	if !res.IsFilled() {
		s.log().Infow("late_failure_discarded",
			"venue_order_id", req.ClientOrderID,
			"known", ok,
			"code", res.Code)
		return
	}
	if !ok {
		s.log().Errorw("late_fill_unknown_order",
			"venue_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"ref", res.ExternalRef)
		return
	}
	order := v.(lateOrder)
	unlock := s.orders.Lock(req.ClientOrderID)
	defer unlock()

	p := Pending{
		ClientOrderID: order.clientOrderID,
		AccountID:     order.accountID,
		VenueOrderID:  req.ClientOrderID,
		Side:          req.Side,
		Symbol:        req.Symbol,
		Quantity:      res.FilledQty,
		OrderRef:      res.ExternalRef,
		CreatedAt:     s.clock.Now().UnixMilli(),
	}
	lc := newLifecycle()
	lc.advance(StateSubmitted)
	lc.advance(StateFilled)
	lc.advance(StateReconciliationFailed)

	cause := errors.New("fill reported after submission timed out")
	delta, err := SettlementDelta(req.Side, res)
	if err != nil {
		cause = fmt.Errorf("settlement: %w", err)
		p.Unpriced = true
	}
	p.Delta = delta
	_ = s.reconciliationFailed(context.Background(), string(req.Side), p, lc, cause)
}

// Wait blocks until every detached trade execution has finished
func (s *Service) Wait() {
	s.inflight.Wait()
}

// SettlementDelta converts a fill into the signed balance change it owes.
// A buy costs settlement plus fee, rounded up to the cent; a sell yields
// settlement minus fee, rounded down. No reported settlement means zero; a
// settlement the venue reported but that could not be read is an error.
func SettlementDelta(side exchange.Side, res exchange.OrderResult) (money.Amount, error) {
	if res.SettlementError != "" {
		return 0, fmt.Errorf("unreadable venue settlement: %s", res.SettlementError)
	}
	if !res.HasSettlement {
		return 0, nil
	}
	if res.Settlement.IsNegative() || res.Fee.IsNegative() {
		return 0, fmt.Errorf("negative settlement %s or fee %s", res.Settlement, res.Fee)
	}
	if side == exchange.Buy {
		cost, err := money.AmountFromDecimal(res.Settlement.Add(res.Fee), money.RoundUp)
		if err != nil {
			return 0, err
		}
		return cost.Neg(), nil
	}
	return money.AmountFromDecimal(res.Settlement.Sub(res.Fee), money.RoundDown)
}

func tradeMessage(side exchange.Side, qty money.Quantity, symbol string) string {
	verb := "Bought"
	if side == exchange.Sell {
		verb = "Sold"
	}
	return fmt.Sprintf("%s %s of %s", verb, qty, symbol)
}

// storeError maps Store failures onto the ledger taxonomy
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return fail(op, KindNotFound, err)
	case errors.Is(err, account.ErrInvalidID):
		return fail(op, KindInvalidInput, err)
	case errors.Is(err, account.ErrExists):
		return fail(op, KindInvalidInput, err)
	case errors.Is(err, account.ErrPreconditionFailed):
		return fail(op, KindInsufficientBalance, err)
	case errors.Is(err, account.ErrKeyConflict):
		return fail(op, KindInvalidInput, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fail(op, KindInternal, err)
	}
}
