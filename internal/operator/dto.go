package operator

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the operator's verdict on a withdraw/deposit.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusPlayerNotFound    Status = "PLAYER_NOT_FOUND"
	StatusInvalidCurrency   Status = "INVALID_CURRENCY"
	StatusInsufficientFunds Status = "INSUFFICIENT_FUNDS"
	StatusFailed            Status = "FAILED"
)

// Result is the typed outcome of a withdraw/deposit. Amounts are major units.
type Result struct {
	Status        Status          `json:"status"`
	TransactionID string          `json:"transactionId"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Message       string          `json:"message,omitempty"`
}

type moneyRequest struct {
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	TransactionID string      `json:"transactionId"`
	Description   string      `json:"description,omitempty"`
}

type errorBody struct {
	Status  Status          `json:"status"`
	Message json.RawMessage `json:"message"`
	Balance decimal.Decimal `json:"balance"`
}

// HistoryRecord is one row of the operator's transaction history.
type HistoryRecord struct {
	TransactionID    string          `json:"transactionId"`
	PlayerExternalID string          `json:"playerExternalId"`
	Type             string          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`
}

type historyResponse struct {
	Transactions []HistoryRecord `json:"transactions"`
}
