package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHistory struct {
	recs       []operator.HistoryRecord
	err        error
	calls      int
	start, end time.Time
}

func (f *fakeHistory) History(_ context.Context, start, end time.Time, _ int) ([]operator.HistoryRecord, error) {
	f.calls++
	f.start, f.end = start, end
	return f.recs, f.err
}

// strand leaves a PENDING transaction behind as if its owner crashed after
// the first commit.
func strand(t *testing.T, svc *WalletService, key, ref string) (*model.Transaction, *model.IdempotencyKey) {
	t.Helper()
	tx, k, err := svc.begin(context.Background(), debitReq(key, ref, 250))
	require.NoError(t, err)
	return tx, k
}

func TestReaper_OperatorHasRecord(t *testing.T) {
	op := &fakeOperator{result: &operator.Result{Status: operator.StatusSuccess}}
	svc, clock, ctx := newTestService(t, op)
	strand(t, svc, "K-S", "ref-s")

	hist := &fakeHistory{recs: []operator.HistoryRecord{
		{TransactionID: "other", Status: "SUCCESS", Amount: decimal.NewFromInt(1)},
		{TransactionID: "ref-s", Status: "SUCCESS", Amount: decimal.RequireFromString("2.5")},
	}}
	reaper := NewReaper(svc, hist, 5*time.Minute, 10, 100, zap.NewNop().Sugar())

	n, err := reaper.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh keys are left alone")
	assert.Zero(t, hist.calls)

	clock.Advance(6 * time.Minute)
	n, err = reaper.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx, err := svc.GetTransaction(ctx, "ref-s")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCompleted, tx.Status)
	assert.Equal(t, "ref-s", tx.OperatorTransactionID)

	rows := outboxRows(t, svc)
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventTransactionCompleted, rows[0].EventType)

	out, err := svc.Debit(ctx, debitReq("K-S", "ref-s", 250))
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, model.WalletOK, out.Response.Status)
	assert.Zero(t, op.Calls())
}

func TestReaper_NoOperatorRecordFails(t *testing.T) {
	svc, clock, ctx := newTestService(t, &fakeOperator{})
	strand(t, svc, "K-N", "ref-n")
	clock.Advance(10 * time.Minute)

	n, err := NewReaper(svc, &fakeHistory{}, 5*time.Minute, 10, 100, zap.NewNop().Sugar()).ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx, err := svc.GetTransaction(ctx, "ref-n")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFailed, tx.Status)

	key, err := svc.Repo().FindIdempotencyKey(ctx, "K-N", model.ScopeDebit)
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyFailed, key.Status)

	_, err = svc.Debit(ctx, debitReq("K-N", "ref-n", 250))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	rows := outboxRows(t, svc)
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventTransactionFailed, rows[0].EventType)
}

func TestReaper_HistoryErrorLeavesKey(t *testing.T) {
	svc, clock, ctx := newTestService(t, &fakeOperator{})
	strand(t, svc, "K-E", "ref-e")
	clock.Advance(10 * time.Minute)

	n, err := NewReaper(svc, &fakeHistory{err: errors.New("operator down")}, 5*time.Minute, 10, 100, zap.NewNop().Sugar()).ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tx, err := svc.GetTransaction(ctx, "ref-e")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, tx.Status)
	assert.Empty(t, outboxRows(t, svc))
}

func TestReaper_LateOwnerSeesReapedOutcome(t *testing.T) {
	svc, clock, ctx := newTestService(t, &fakeOperator{})
	tx, key := strand(t, svc, "K-L", "ref-l")
	clock.Advance(10 * time.Minute)

	n, err := NewReaper(svc, &fakeHistory{}, 5*time.Minute, 10, 100, zap.NewNop().Sugar()).ReapOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The original owner comes back with a successful operator answer.
	_, err = svc.complete(ctx, tx, key, &operator.Result{Status: operator.StatusSuccess, Balance: decimal.NewFromInt(1)}, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	stored, err := svc.GetTransaction(ctx, "ref-l")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFailed, stored.Status)
	assert.Len(t, outboxRows(t, svc), 1)
}

func TestReaper_FullHistoryPageLeavesKey(t *testing.T) {
	svc, clock, ctx := newTestService(t, &fakeOperator{})
	tx, _ := strand(t, svc, "K-P", "ref-p")
	clock.Advance(30 * time.Minute)

	hist := &fakeHistory{recs: []operator.HistoryRecord{
		{TransactionID: "a", Status: "SUCCESS"},
		{TransactionID: "b", Status: "SUCCESS"},
		{TransactionID: "c", Status: "SUCCESS"},
	}}
	n, err := NewReaper(svc, hist, 5*time.Minute, 10, 3, zap.NewNop().Sugar()).ReapOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, tx.CreatedAt.Add(-time.Minute).Equal(hist.start), "window starts a minute before creation")
	assert.True(t, tx.CreatedAt.Add(5*time.Minute).Equal(hist.end), "window ends staleAfter past creation")

	got, err := svc.GetTransaction(ctx, "ref-p")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, got.Status)
	key, err := svc.Repo().FindIdempotencyKey(ctx, "K-P", model.ScopeDebit)
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyProcessing, key.Status)
	assert.Empty(t, outboxRows(t, svc))

	// A short page without the refId is conclusive.
	hist.recs = hist.recs[:2]
	n, err = NewReaper(svc, hist, 5*time.Minute, 10, 3, zap.NewNop().Sugar()).ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = svc.GetTransaction(ctx, "ref-p")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFailed, got.Status)
}
