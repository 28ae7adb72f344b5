package ledger

import (
	"github.com/uhyunpark/tradeledger/pkg/money"
)

// EventType names what happened to an account
type EventType string

const (
	EventBalance              EventType = "balance"
	EventTradeFailed          EventType = "trade_failed"
	EventReconciliationFailed EventType = "reconciliation_failed"
	EventReconciled           EventType = "reconciled"
)

// Event is emitted after every committed balance change and every trade
// that ends outside the happy path
type Event struct {
	Type          EventType    `json:"type"`
	AccountID     string       `json:"accountId"`
	Balance       money.Amount `json:"balance"`
	Delta         money.Amount `json:"delta"`
	Kind          string       `json:"kind,omitempty"`
	ClientOrderID string       `json:"clientOrderId,omitempty"`
	OrderRef      string       `json:"orderRef,omitempty"`
	State         string       `json:"state,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	At            int64        `json:"at"`
}

func (s *Service) emit(ev Event) {
	if s.OnEvent == nil {
		return
	}
	if ev.At == 0 {
		ev.At = s.clock.Now().UnixMilli()
	}
	s.OnEvent(ev)
}
