package api

import (
	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/money"
)

// ==============================
// REST Types
// ==============================

// Amounts and quantities travel as exact decimal strings

type OpenAccountRequest struct {
	AccountID string `json:"accountId"`
}

type AccountInfo struct {
	AccountID string       `json:"accountId"`
	Balance   money.Amount `json:"balance"`
	CreatedAt int64        `json:"createdAt"`
	UpdatedAt int64        `json:"updatedAt"`
}

func accountInfo(acc account.Account) AccountInfo {
	return AccountInfo{
		AccountID: acc.ID,
		Balance:   acc.Balance,
		CreatedAt: acc.CreatedAt,
		UpdatedAt: acc.UpdatedAt,
	}
}

type CashRequest struct {
	AccountID      string `json:"accountId"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type BalanceResponse struct {
	AccountID string       `json:"accountId"`
	Balance   money.Amount `json:"balance"`
}

type TradeRequest struct {
	AccountID     string `json:"accountId"`
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

type TradeResponse struct {
	Message       string         `json:"message"`
	OrderRef      string         `json:"orderRef"`
	ClientOrderID string         `json:"clientOrderId"`
	Balance       money.Amount   `json:"balance"`
	Delta         money.Amount   `json:"delta"`
	FilledQty     money.Quantity `json:"filledQty"`
	State         ledger.State   `json:"state"`
	Replayed      bool           `json:"replayed"`
}

func tradeResponse(r ledger.Receipt) TradeResponse {
	return TradeResponse{
		Message:       r.Message,
		OrderRef:      r.OrderRef,
		ClientOrderID: r.ClientOrderID,
		Balance:       r.Balance,
		Delta:         r.Delta,
		FilledQty:     r.FilledQty,
		State:         r.State,
		Replayed:      r.Replayed,
	}
}

type HistoryResponse struct {
	AccountID string          `json:"accountId"`
	Entries   []account.Entry `json:"entries"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// Pending is set when a fill awaits reconciliation
	Pending *ledger.Pending `json:"pending,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["account:alice"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSMessage wraps every pushed event
type WSMessage struct {
	Channel string       `json:"channel"`
	Event   ledger.Event `json:"event"`
}
