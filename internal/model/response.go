package model

// WalletResponse is returned by the debit/credit endpoints and cached
// verbatim in the idempotency key.
type WalletResponse struct {
	Status       WalletStatus `json:"status"`
	BalanceCents int64        `json:"balanceCents"`
	Reason       string       `json:"reason,omitempty"`
}

// CachedOutcome is the snapshot stored in IdempotencyKey.Response.
// Result carries the operator status the response was derived from, or
// the failure category when the key is FAILED.
type CachedOutcome struct {
	Result   string          `json:"result"`
	Response *WalletResponse `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}
