package operator

import (
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/shopspring/decimal"
)

// CentsToAmount converts minor units to the operator's major-unit amount.
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// AmountToCents converts a major-unit amount back to minor units,
// rounding half away from zero to the nearest cent.
func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// WalletStatus maps an operator status to what the game client sees.
func WalletStatus(s Status) model.WalletStatus {
	if s == StatusSuccess {
		return model.WalletOK
	}
	return model.WalletRejected
}

// TransactionStatus maps an operator status to the terminal transaction status.
// Every non-success verdict is a business rejection.
func TransactionStatus(s Status) model.TransactionStatus {
	if s == StatusSuccess {
		return model.TransactionCompleted
	}
	return model.TransactionRejected
}

// Reason returns the operator's message or a default derived from the status.
func Reason(r *Result) string {
	if r.Message != "" {
		return r.Message
	}
	switch r.Status {
	case StatusSuccess:
		return ""
	case StatusInsufficientFunds:
		return "Insufficient funds"
	case StatusPlayerNotFound:
		return "Player not found"
	case StatusInvalidCurrency:
		return "Invalid currency"
	case StatusFailed:
		return "Transaction failed"
	}
	return "Unknown error"
}

// ToWalletResponse builds the client-facing response for an operator result.
func ToWalletResponse(r *Result) model.WalletResponse {
	return model.WalletResponse{
		Status:       WalletStatus(r.Status),
		BalanceCents: AmountToCents(r.Balance),
		Reason:       Reason(r),
	}
}
