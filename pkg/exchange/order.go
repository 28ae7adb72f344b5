package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/money"
)

var ErrInvalidOrder = errors.New("invalid order")

// Side is the direction of a market order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalidOrder, s)
}

// OrderRequest is a market order, constructed per call and never persisted here
type OrderRequest struct {
	// ClientOrderID is forwarded to the venue so a resubmission cannot fill twice
	ClientOrderID string
	Symbol        string
	Quantity      money.Quantity
	Side          Side
}

func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidOrder, r.Quantity)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	}
	if r.ClientOrderID == "" {
		return fmt.Errorf("%w: missing client order id", ErrInvalidOrder)
	}
	return nil
}

// Status is the terminal outcome of a submission
type Status string

const (
	StatusFilled Status = "filled"
	StatusFailed Status = "failed"
)

// FailureCode distinguishes why a submission failed
type FailureCode string

const (
	CodeTimeout         FailureCode = "timeout"
	CodeRejected        FailureCode = "rejected"
	CodeNetwork         FailureCode = "network"
	CodeCircuitOpen     FailureCode = "circuit_open"
	CodeInvalidResponse FailureCode = "invalid_response"
	CodeInvalidRequest  FailureCode = "invalid_request"
)

// OrderResult is what the venue reported.
// ExternalRef is set only when filled; Code and ErrorDetail only when failed.
type OrderResult struct {
	Status      Status
	ExternalRef string

	Code        FailureCode
	ErrorDetail string

	FilledQty money.Quantity

	// Settlement is the quote amount exchanged, in major units, when the venue reports it
	Settlement    decimal.Decimal
	HasSettlement bool
	// Fee is charged in the quote asset
	Fee decimal.Decimal
	// SettlementError is set on a fill whose settlement or fee could not be read
	SettlementError string
}

func (r OrderResult) IsFilled() bool { return r.Status == StatusFilled }

// Filled builds a fill result; settlement may be nil when the venue did not report one
func Filled(ref string, qty money.Quantity, settlement *decimal.Decimal, fee decimal.Decimal) OrderResult {
	res := OrderResult{Status: StatusFilled, ExternalRef: ref, FilledQty: qty, Fee: fee}
	if settlement != nil {
		res.Settlement = *settlement
		res.HasSettlement = true
	}
	return res
}

// FilledUnpriced builds a fill whose settlement is unknown. The order executed,
// so callers must not treat it as a failure nor book it at zero.
func FilledUnpriced(ref string, qty money.Quantity, format string, args ...any) OrderResult {
	return OrderResult{Status: StatusFilled, ExternalRef: ref, FilledQty: qty, SettlementError: fmt.Sprintf(format, args...)}
}

// Failed builds a failure result
func Failed(code FailureCode, format string, args ...any) OrderResult {
	return OrderResult{Status: StatusFailed, Code: code, ErrorDetail: fmt.Sprintf(format, args...)}
}

// Error renders a failed result as "code: detail"
func (r OrderResult) Error() string {
	if r.Status != StatusFailed {
		return ""
	}
	return string(r.Code) + ": " + r.ErrorDetail
}
