package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/metrics"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"go.uber.org/zap"
)

// HistoryClient reads the operator's own ledger.
type HistoryClient interface {
	History(ctx context.Context, start, end time.Time, limit int) ([]operator.HistoryRecord, error)
}

const reapedReason = "Operator call did not complete; resolved after timeout"

// Reaper resolves transactions whose owner died between the PENDING commit
// and the terminal commit. It asks the operator whether the money moved and
// finalizes accordingly. History failures leave the key for the next pass.
type Reaper struct {
	svc          *WalletService
	history      HistoryClient
	staleAfter   time.Duration
	batchSize    int
	historyLimit int
	log          *zap.SugaredLogger
}

// NewReaper builds a Reaper.
func NewReaper(svc *WalletService, history HistoryClient, staleAfter time.Duration, batchSize, historyLimit int, log *zap.SugaredLogger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Reaper{svc: svc, history: history, staleAfter: staleAfter, batchSize: batchSize, historyLimit: historyLimit, log: log}
}

// Run reaps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.ReapOnce(ctx); err != nil {
				r.log.Errorw("reaper pass failed", "error", err)
			} else if n > 0 {
				r.log.Infow("reaper resolved stale transactions", "count", n)
			}
		}
	}
}

// ReapOnce resolves one batch of stale PROCESSING keys and returns how many
// it finalized.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	now := r.svc.now()
	keys, err := r.svc.repo.StaleIdempotencyKeys(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for i := range keys {
		ok, err := r.reap(ctx, &keys[i], now)
		if err != nil {
			r.log.Warnw("could not reap stale transaction", "idempotencyKey", keys[i].Key,
				"transactionId", keys[i].TransactionID, "error", err)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reaper) reap(ctx context.Context, k *model.IdempotencyKey, now time.Time) (bool, error) {
	t, err := r.svc.repo.FindTransaction(ctx, k.TransactionID)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}

	// Any operator record for this refId is written while the owner was
	// alive, so the window ends staleAfter past creation.
	recs, err := r.history.History(ctx, t.CreatedAt.Add(-time.Minute), t.CreatedAt.Add(r.staleAfter), r.historyLimit)
	if err != nil {
		return false, err
	}
	var rec *operator.HistoryRecord
	for i := range recs {
		if recs[i].TransactionID == t.RefID {
			rec = &recs[i]
			break
		}
	}

	log := r.log.With("refId", t.RefID, "transactionId", t.ID, "correlationId", t.CorrelationID)
	if rec == nil && len(recs) >= r.historyLimit {
		// A full page without the refId proves nothing.
		log.Warnw("operator history page full without a matching record, leaving key for next pass",
			"records", len(recs), "limit", r.historyLimit)
		return false, nil
	}
	if rec == nil {
		t.Status = model.TransactionFailed
		t.Reason = reapedReason
		co := model.CachedOutcome{Result: failureUpstream, Error: reapedReason}
		err = r.svc.finalize(ctx, t, k, model.IdempotencyFailed, co)
	} else {
		status := operator.Status(strings.ToUpper(rec.Status))
		if status == "COMPLETED" {
			status = operator.StatusSuccess
		}
		if status != operator.StatusSuccess {
			status = operator.StatusFailed
		}
		t.Status = operator.TransactionStatus(status)
		t.OperatorTransactionID = rec.TransactionID
		resp := model.WalletResponse{Status: operator.WalletStatus(status), Reason: reapedReason}
		if status == operator.StatusSuccess {
			resp.Reason = ""
		}
		t.Reason = resp.Reason
		co := model.CachedOutcome{Result: string(status), Response: &resp}
		err = r.svc.finalize(ctx, t, k, model.IdempotencyCompleted, co)
	}
	if errors.Is(err, repo.ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.ReapedTransactions.WithLabelValues(string(t.Status)).Inc()
	log.Warnw("stale transaction resolved", "status", t.Status)
	return true, nil
}
