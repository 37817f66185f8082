// Package reconcile diffs the local transaction ledger against the
// operator's transaction history.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"go.uber.org/zap"
)

type MismatchType string

const (
	MissingInOperator MismatchType = "MISSING_IN_OPERATOR"
	MissingInHub      MismatchType = "MISSING_IN_HUB"
	AmountMismatch    MismatchType = "AMOUNT_MISMATCH"
	StatusMismatch    MismatchType = "STATUS_MISMATCH"
)

// MismatchTypes in report order.
var MismatchTypes = []MismatchType{MissingInOperator, MissingInHub, AmountMismatch, StatusMismatch}

// Record is the local side of a mismatch.
type Record struct {
	RefID                 string                  `json:"refId"`
	PlayerID              string                  `json:"playerId"`
	Type                  model.TransactionType   `json:"type"`
	AmountCents           int64                   `json:"amountCents"`
	Currency              string                  `json:"currency"`
	Status                model.TransactionStatus `json:"status"`
	CreatedAt             time.Time               `json:"createdAt"`
	OperatorTransactionID string                  `json:"operatorTransactionId,omitempty"`
}

type Mismatch struct {
	RefID       string                  `json:"refId"`
	Type        MismatchType            `json:"mismatchType"`
	Hub         *Record                 `json:"hubRecord,omitempty"`
	Operator    *operator.HistoryRecord `json:"operatorRecord,omitempty"`
	Description string                  `json:"description"`
}

type Report struct {
	ReportDate    time.Time  `json:"reportDate"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       time.Time  `json:"endDate"`
	TotalHub      int        `json:"totalHubTransactions"`
	TotalOperator int        `json:"totalOperatorTransactions"`
	Matched       int        `json:"matchedTransactions"`
	Mismatches    []Mismatch `json:"mismatches"`
}

// Passed reports whether no mismatch was found.
func (r *Report) Passed() bool { return len(r.Mismatches) == 0 }

// Count returns the number of mismatches of type t.
func (r *Report) Count(t MismatchType) int {
	n := 0
	for _, m := range r.Mismatches {
		if m.Type == t {
			n++
		}
	}
	return n
}

// Ledger is the read-only view of local transactions.
type Ledger interface {
	TransactionsBetween(ctx context.Context, start, end time.Time) ([]model.Transaction, error)
}

// HistorySource returns operator history; failures yield an empty slice.
type HistorySource interface {
	FetchHistory(ctx context.Context, start, end time.Time, limit int) []operator.HistoryRecord
}

// Reconciler is read-only on both sides.
type Reconciler struct {
	ledger Ledger
	ops    HistorySource
	limit  int
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewReconciler(ledger Ledger, ops HistorySource, fetchLimit int, log *zap.SugaredLogger) *Reconciler {
	if fetchLimit <= 0 {
		fetchLimit = 1000
	}
	return &Reconciler{ledger: ledger, ops: ops, limit: fetchLimit, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// statusEquivalents maps an operator status to the local statuses it agrees with.
var statusEquivalents = map[string][]model.TransactionStatus{
	"SUCCESS":   {model.TransactionCompleted},
	"COMPLETED": {model.TransactionCompleted},
	"FAILED":    {model.TransactionFailed},
	"REJECTED":  {model.TransactionRejected},
	"PENDING":   {model.TransactionPending},
}

func statusMatches(local model.TransactionStatus, upstream string) bool {
	for _, s := range statusEquivalents[upstream] {
		if s == local {
			return true
		}
	}
	return false
}

// Reconcile compares [start, end]. Only COMPLETED local transactions are
// expected upstream; operator records are keyed by the refId they echo back
// as transactionId.
func (r *Reconciler) Reconcile(ctx context.Context, start, end time.Time) (*Report, error) {
	r.log.Infow("starting reconciliation", "startDate", start, "endDate", end)

	local, err := r.ledger.TransactionsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load hub transactions: %w", err)
	}
	upstream := r.ops.FetchHistory(ctx, start, end, r.limit)
	r.log.Infow("fetched transactions", "hub", len(local), "operator", len(upstream))

	hub := make(map[string]*model.Transaction, len(local))
	for i := range local {
		hub[local[i].RefID] = &local[i]
	}
	ops := make(map[string]*operator.HistoryRecord, len(upstream))
	for i := range upstream {
		ops[upstream[i].TransactionID] = &upstream[i]
	}

	rep := &Report{
		ReportDate:    r.now(),
		StartDate:     start,
		EndDate:       end,
		TotalHub:      len(local),
		TotalOperator: len(upstream),
		Mismatches:    []Mismatch{},
	}

	for i := range local {
		tx := &local[i]
		if tx.Status != model.TransactionCompleted {
			continue
		}
		rec := toRecord(tx)
		op, ok := ops[tx.RefID]
		if !ok {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				RefID: tx.RefID, Type: MissingInOperator, Hub: rec,
				Description: fmt.Sprintf("Transaction %s exists in Hub but not found in Operator", tx.RefID),
			})
			continue
		}
		clean := true
		if opCents := operator.AmountToCents(op.Amount); opCents != tx.AmountCents {
			clean = false
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				RefID: tx.RefID, Type: AmountMismatch, Hub: rec, Operator: op,
				Description: fmt.Sprintf("Amount mismatch: Hub=%s, Operator=%s",
					operator.CentsToAmount(tx.AmountCents).StringFixed(2), op.Amount.StringFixed(2)),
			})
		}
		if !statusMatches(tx.Status, op.Status) {
			clean = false
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				RefID: tx.RefID, Type: StatusMismatch, Hub: rec, Operator: op,
				Description: fmt.Sprintf("Status mismatch: Hub=%s, Operator=%s", tx.Status, op.Status),
			})
		}
		if clean {
			rep.Matched++
		}
	}

	for i := range upstream {
		op := &upstream[i]
		tx, ok := hub[op.TransactionID]
		switch {
		case !ok:
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				RefID: op.TransactionID, Type: MissingInHub, Operator: op,
				Description: fmt.Sprintf("Transaction %s exists in Operator but not found in Hub", op.TransactionID),
			})
		case tx.Status != model.TransactionCompleted && !statusMatches(tx.Status, op.Status):
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				RefID: op.TransactionID, Type: StatusMismatch, Hub: toRecord(tx), Operator: op,
				Description: fmt.Sprintf("Status mismatch: Hub=%s, Operator=%s", tx.Status, op.Status),
			})
		}
	}

	r.log.Infow("reconciliation completed", "totalHub", rep.TotalHub, "totalOperator", rep.TotalOperator,
		"matched", rep.Matched, "mismatches", len(rep.Mismatches))
	return rep, nil
}

func toRecord(tx *model.Transaction) *Record {
	return &Record{
		RefID:                 tx.RefID,
		PlayerID:              tx.PlayerID,
		Type:                  tx.Type,
		AmountCents:           tx.AmountCents,
		Currency:              tx.Currency,
		Status:                tx.Status,
		CreatedAt:             tx.CreatedAt,
		OperatorTransactionID: tx.OperatorTransactionID,
	}
}

// Yesterday returns [00:00, 23:59:59.999] of the UTC day before now.
func Yesterday(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, time.UTC)
	end = start.Add(24*time.Hour - time.Millisecond)
	return start, end
}
