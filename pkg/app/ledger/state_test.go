package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/exchange"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitiated, StateSubmitted, true},
		{StateSubmitted, StateFilled, true},
		{StateSubmitted, StateFailed, true},
		{StateFilled, StateReconciled, true},
		{StateFilled, StateReconciliationFailed, true},
		{StateInitiated, StateFilled, false},
		{StateSubmitted, StateReconciled, false},
		{StateFailed, StateSubmitted, false},
		{StateReconciled, StateReconciliationFailed, false},
		{StateReconciliationFailed, StateReconciled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []State{StateReconciled, StateReconciliationFailed, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestLifecycleRejectsIllegalTransition(t *testing.T) {
	lc := newLifecycle()
	lc.advance(StateSubmitted)
	lc.advance(StateFilled)
	lc.advance(StateReconciled)
	if got := lc.String(); got != "initiated>submitted>filled>reconciled" {
		t.Errorf("path = %s", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on reconciled -> failed")
		}
	}()
	lc.advance(StateFailed)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSettlementDelta(t *testing.T) {
	settle := func(s, fee string) exchange.OrderResult {
		d := decimal.RequireFromString(s)
		return exchange.Filled("r", 1, &d, decimal.RequireFromString(fee))
	}
	tests := []struct {
		name    string
		side    exchange.Side
		res     exchange.OrderResult
		want    string
		wantErr bool
	}{
		{"buy exact", exchange.Buy, settle("30", "0"), "-30.00", false},
		{"buy rounds cost up", exchange.Buy, settle("30.001", "0"), "-30.01", false},
		{"buy adds fee", exchange.Buy, settle("100", "0.1"), "-100.10", false},
		{"sell rounds proceeds down", exchange.Sell, settle("30.009", "0"), "30.00", false},
		{"sell subtracts fee", exchange.Sell, settle("100", "0.15"), "99.85", false},
		{"no settlement", exchange.Buy, exchange.Filled("r", 1, nil, decimal.Zero), "0.00", false},
		{"negative settlement", exchange.Sell, settle("-1", "0"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SettlementDelta(tt.side, tt.res)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("delta = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	err := fail("buy", KindExchange, &VenueError{Code: "timeout", Detail: "slow"})
	if KindOf(err) != KindExchange || !IsRetryable(err) {
		t.Errorf("kind = %s", KindOf(err))
	}
	if got := err.Error(); got != "buy: exchange_error: timeout: slow" {
		t.Errorf("Error() = %q", got)
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("foreign errors should be internal")
	}
	for _, k := range []Kind{KindInvalidInput, KindNotFound, KindInsufficientBalance, KindReconciliationFailed, KindInternal} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if _, ok := PendingOf(err); ok {
		t.Error("exchange error carries no pending entry")
	}
}
