package model

// TransactionType is the direction of a money movement from the player's view.
type TransactionType string

const (
	TransactionDebit  TransactionType = "DEBIT"
	TransactionCredit TransactionType = "CREDIT"
)

// Scope returns the idempotency scope a request of this type is keyed under.
func (t TransactionType) Scope() IdempotencyScope {
	if t == TransactionCredit {
		return ScopeCredit
	}
	return ScopeDebit
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionRejected  TransactionStatus = "REJECTED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionRejected || s == TransactionFailed
}

// EventType maps a terminal status to its webhook event. PENDING has none.
func (s TransactionStatus) EventType() (WebhookEventType, bool) {
	switch s {
	case TransactionCompleted:
		return EventTransactionCompleted, true
	case TransactionRejected:
		return EventTransactionRejected, true
	case TransactionFailed:
		return EventTransactionFailed, true
	}
	return "", false
}

type IdempotencyScope string

const (
	ScopeDebit  IdempotencyScope = "DEBIT"
	ScopeCredit IdempotencyScope = "CREDIT"
)

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "PENDING"
	WebhookProcessing WebhookStatus = "PROCESSING"
	WebhookDelivered  WebhookStatus = "DELIVERED"
	WebhookFailed     WebhookStatus = "FAILED"
	WebhookDeadLetter WebhookStatus = "DEAD_LETTER"
)

type WebhookEventType string

const (
	EventTransactionCompleted WebhookEventType = "transaction.completed"
	EventTransactionFailed    WebhookEventType = "transaction.failed"
	EventTransactionRejected  WebhookEventType = "transaction.rejected"
)

// WalletStatus is what the game client sees.
type WalletStatus string

const (
	WalletOK       WalletStatus = "OK"
	WalletRejected WalletStatus = "REJECTED"
)

// Currencies accepted on the debit/credit endpoints.
var Currencies = []string{"USD", "EUR", "GBP"}

// ValidCurrency reports whether c is in Currencies.
func ValidCurrency(c string) bool {
	for _, v := range Currencies {
		if v == c {
			return true
		}
	}
	return false
}
