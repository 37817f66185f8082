package repo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/rgs-wallet-gateway/internal/logger"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	r := NewRepository(db, nil, time.Hour, must(logger.NewLogger()))
	require.NoError(t, r.Migrate())
	return r
}

func newKey(id, key string, scope model.IdempotencyScope) *model.IdempotencyKey {
	return &model.IdempotencyKey{
		ID: id, Key: key, Scope: scope, Status: model.IdempotencyProcessing,
		CreatedAt: t0, UpdatedAt: t0, ExpiresAt: t0.Add(24 * time.Hour),
	}
}

func newTx(id, ref string) *model.Transaction {
	return &model.Transaction{
		ID: id, RefID: ref, PlayerID: "player-001", Type: model.TransactionDebit,
		AmountCents: 100, Currency: "USD", Status: model.TransactionPending,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func newEntry(id string, status model.WebhookStatus, created time.Time) *model.WebhookOutbox {
	return &model.WebhookOutbox{
		ID: id, EventType: model.EventTransactionCompleted, TargetURL: "http://rgs.test",
		Payload: datatypes.JSON(`{"eventId":"` + id + `"}`), Status: status, MaxRetries: 5,
		NextRetryAt: created, RefID: "ref-" + id, CreatedAt: created, UpdatedAt: created,
	}
}

func TestIdempotencyKey_UniquePerScope(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateIdempotencyKey(ctx, r.DB(ctx), newKey("1", "K", model.ScopeDebit)))
	require.NoError(t, r.CreateIdempotencyKey(ctx, r.DB(ctx), newKey("2", "K", model.ScopeCredit)))
	err := r.CreateIdempotencyKey(ctx, r.DB(ctx), newKey("3", "K", model.ScopeDebit))
	assert.ErrorIs(t, err, ErrDuplicate)

	k, err := r.FindIdempotencyKey(ctx, "K", model.ScopeCredit)
	require.NoError(t, err)
	assert.Equal(t, "2", k.ID)

	_, err = r.FindIdempotencyKey(ctx, "missing", model.ScopeDebit)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotencyKey_ConcurrentInsertOneWinner(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
				if err := r.CreateIdempotencyKey(ctx, tx, newKey(fmt.Sprint("k", i), "same", model.ScopeDebit)); err != nil {
					return err
				}
				return r.CreateTransaction(ctx, tx, newTx(fmt.Sprint("t", i), fmt.Sprint("ref-", i)))
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, ErrDuplicate) {
				dups++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, dups)

	var n int64
	require.NoError(t, r.DB(ctx).Model(&model.Transaction{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "losing inserts roll back their transaction row")
}

func TestFinalizeTransaction_IsGuarded(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateTransaction(ctx, r.DB(ctx), newTx("t1", "ref-1")))
	assert.ErrorIs(t, r.CreateTransaction(ctx, r.DB(ctx), newTx("t2", "ref-1")), ErrDuplicate)

	bal := int64(900)
	done := newTx("t1", "ref-1")
	done.Status = model.TransactionCompleted
	done.BalanceCents = &bal
	require.NoError(t, r.FinalizeTransaction(ctx, r.DB(ctx), done))

	again := newTx("t1", "ref-1")
	again.Status = model.TransactionFailed
	assert.ErrorIs(t, r.FinalizeTransaction(ctx, r.DB(ctx), again), ErrAlreadyTerminal)

	got, err := r.FindTransactionByRefID(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCompleted, got.Status)
	assert.Equal(t, int64(900), *got.BalanceCents)

	pending := newTx("t1", "ref-1")
	assert.Error(t, r.FinalizeTransaction(ctx, r.DB(ctx), pending))
}

func TestStaleAndExpiredKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	old := newKey("old", "a", model.ScopeDebit)
	fresh := newKey("fresh", "b", model.ScopeDebit)
	fresh.CreatedAt = t0.Add(10 * time.Minute)
	done := newKey("done", "c", model.ScopeDebit)
	for _, k := range []*model.IdempotencyKey{old, fresh, done} {
		require.NoError(t, r.CreateIdempotencyKey(ctx, r.DB(ctx), k))
	}
	require.NoError(t, r.ResolveIdempotencyKey(ctx, r.DB(ctx), "done", model.IdempotencyCompleted, datatypes.JSON(`{}`), t0))
	assert.ErrorIs(t, r.ResolveIdempotencyKey(ctx, r.DB(ctx), "done", model.IdempotencyFailed, nil, t0), ErrAlreadyTerminal)

	stale, err := r.StaleIdempotencyKeys(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	n, err := r.PruneExpiredKeys(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "PROCESSING keys are never pruned")
}

func TestOutbox_ClaimOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("b", model.WebhookPending, t0.Add(time.Second))))
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("a", model.WebhookPending, t0)))
	future := newEntry("c", model.WebhookFailed, t0)
	future.NextRetryAt = t0.Add(time.Hour)
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), future))
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("d", model.WebhookDeadLetter, t0)))

	due, err := r.DueOutbox(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)

	ok, err := r.ClaimOutbox(ctx, "a", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ClaimOutbox(ctx, "a", t0)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")
	ok, err = r.ClaimOutbox(ctx, "d", t0)
	require.NoError(t, err)
	assert.False(t, ok, "dead letters are never claimed")

	require.NoError(t, r.ReleaseOutbox(ctx, "a", t0, "queue full"))
	e, err := r.GetOutbox(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.Nil(t, e.ClaimedAt)
	assert.Contains(t, string(e.LastError), "queue full")
}

func TestOutbox_DeliveryResultAndSweep(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("a", model.WebhookPending, t0)))
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("b", model.WebhookPending, t0)))

	_, err := r.ClaimOutbox(ctx, "a", t0)
	require.NoError(t, err)
	_, err = r.ClaimOutbox(ctx, "b", t0.Add(3*time.Minute))
	require.NoError(t, err)

	n, err := r.RecoverStaleClaims(ctx, t0.Add(time.Minute), t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	a, err := r.GetOutbox(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, a.Status)

	b, err := r.GetOutbox(ctx, "b")
	require.NoError(t, err)
	delivered := t0.Add(4 * time.Minute)
	b.Status = model.WebhookDelivered
	b.DeliveredAt = &delivered
	b.UpdatedAt = delivered
	require.NoError(t, r.SaveDeliveryResult(ctx, b))
	assert.ErrorIs(t, r.SaveDeliveryResult(ctx, b), ErrAlreadyTerminal)

	list, err := r.ListOutbox(ctx, OutboxFilter{Status: model.WebhookDelivered, RefID: "ref-b"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	pruned, err := r.PruneDelivered(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
	pruned, err = r.PruneDelivered(ctx, t0.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestOutbox_ReplayDeadLetter(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	dead := newEntry("d", model.WebhookDeadLetter, t0)
	dead.RetryCount = 5
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), dead))
	require.NoError(t, r.CreateOutboxEntry(ctx, r.DB(ctx), newEntry("p", model.WebhookPending, t0)))

	assert.ErrorIs(t, r.ReplayDeadLetter(ctx, "p", t0), ErrNotFound)
	require.NoError(t, r.ReplayDeadLetter(ctx, "d", t0.Add(time.Hour)))

	e, err := r.GetOutbox(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestResponseCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(nil, rdb, time.Hour, zap.NewNop().Sugar())
	ctx := context.Background()

	mock.ExpectSet("idem:DEBIT:K", `{"result":"SUCCESS"}`, time.Hour).SetVal("OK")
	mock.ExpectGet("idem:DEBIT:K").SetVal(`{"result":"SUCCESS"}`)
	mock.ExpectGet("idem:CREDIT:K").RedisNil()

	require.NoError(t, r.CacheResponse(ctx, "K", model.ScopeDebit, []byte(`{"result":"SUCCESS"}`)))
	got, err := r.GetCachedResponse(ctx, "K", model.ScopeDebit)
	require.NoError(t, err)
	assert.Equal(t, `{"result":"SUCCESS"}`, string(got))
	_, err = r.GetCachedResponse(ctx, "K", model.ScopeCredit)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
