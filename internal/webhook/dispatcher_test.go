package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) Consume(context.Context, int, Handler) error { return nil }
func (q *recordingQueue) Close() error                               { return nil }

func (q *recordingQueue) drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type fixture struct {
	repo   *repo.Repository
	queue  *recordingQueue
	disp   *Dispatcher
	signer *security.Signer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &fixture{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC), queue: &recordingQueue{}}
	f.repo = repo.NewRepository(db, nil, time.Hour, zap.NewNop().Sugar())
	require.NoError(t, f.repo.Migrate())

	signer, err := security.NewSigner(testSecret, 300*time.Second)
	require.NoError(t, err)
	f.signer = signer.WithClock(func() time.Time { return f.now })
	f.disp = NewDispatcher(f.repo, f.queue, f.signer, Options{
		Timeout:     time.Second,
		RetryDelays: []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
	}, zap.NewNop().Sugar()).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addEntry(t *testing.T, id, target string, maxRetries int) {
	t.Helper()
	payload, err := json.Marshal(model.WebhookEnvelope{
		EventType: model.EventTransactionCompleted, EventID: id, Timestamp: f.now.Format(time.RFC3339),
		Data: model.WebhookData{TransactionID: "tx-" + id, RefID: "ref-" + id, AmountCents: 1000, Currency: "USD"},
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, f.repo.CreateOutboxEntry(ctx, f.repo.DB(ctx), &model.WebhookOutbox{
		ID: id, EventType: model.EventTransactionCompleted, TargetURL: target,
		Payload: datatypes.JSON(payload), Status: model.WebhookPending, MaxRetries: maxRetries,
		NextRetryAt: f.now, TransactionID: "tx-" + id, RefID: "ref-" + id, CorrelationID: "corr-" + id,
		CreatedAt: f.now, UpdatedAt: f.now,
	}))
}

// round runs one poll and hands every enqueued job to a worker.
func (f *fixture) round(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	n, err := f.disp.Poll(ctx)
	require.NoError(t, err)
	for _, job := range f.queue.drain() {
		require.NoError(t, f.disp.Handle(ctx, job))
	}
	return n
}

func TestDispatcher_FailsTwiceThenDelivers(t *testing.T) {
	f := newFixture(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, f.signer.Verify(body, r.Header.Get(security.HeaderSignature), r.Header.Get(security.HeaderTimestamp)))
		assert.Equal(t, "corr-w1", r.Header.Get(HeaderCorrelationID))
		assert.Equal(t, "transaction.completed", r.Header.Get(HeaderEventType))
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f.addEntry(t, "w1", srv.URL, 5)

	assert.Equal(t, 1, f.round(t))
	e, err := f.repo.GetOutbox(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, f.now.Add(time.Second), e.NextRetryAt.UTC())
	assert.Contains(t, string(e.LastError), "status 500")

	assert.Equal(t, 0, f.round(t), "not due yet")

	f.now = f.now.Add(time.Second)
	assert.Equal(t, 1, f.round(t))
	f.now = f.now.Add(5 * time.Second)
	assert.Equal(t, 1, f.round(t))
	f.now = f.now.Add(time.Hour)
	assert.Equal(t, 0, f.round(t))

	delivered, err := f.repo.ListOutbox(context.Background(), repo.OutboxFilter{Status: model.WebhookDelivered, RefID: "ref-w1"})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, 2, delivered[0].RetryCount)
	assert.NotNil(t, delivered[0].DeliveredAt)
	assert.NotEmpty(t, delivered[0].Signature)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_DeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	f.addEntry(t, "w2", srv.URL, 3)

	for i := 0; i < 6; i++ {
		f.round(t)
		f.now = f.now.Add(time.Minute)
	}

	e, err := f.repo.GetOutbox(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookDeadLetter, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	require.NoError(t, f.repo.ReplayDeadLetter(context.Background(), "w2", f.now))
	e, err = f.repo.GetOutbox(context.Background(), "w2")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestDispatcher_EnqueueFailureRevertsClaim(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "w3", "http://127.0.0.1:1", 5)
	f.queue.err = ErrQueueFull

	n, err := f.disp.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	e, err := f.repo.GetOutbox(context.Background(), "w3")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, e.Status)
	assert.Zero(t, e.RetryCount)
	assert.Contains(t, string(e.LastError), "queue is full")
}

func TestDispatcher_HandleSkipsUnclaimed(t *testing.T) {
	f := newFixture(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()
	f.addEntry(t, "w4", srv.URL, 5)

	require.NoError(t, f.disp.Handle(context.Background(), Job{WebhookID: "w4"}))
	require.NoError(t, f.disp.Handle(context.Background(), Job{WebhookID: "missing"}))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestDispatcher_RecordsAttemptWhenWorkerCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	f.addEntry(t, "w6", srv.URL, 5)

	n, err := f.disp.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	jobs := f.queue.drain()
	require.Len(t, jobs, 1)

	require.NoError(t, f.disp.Handle(ctx, jobs[0]))

	e, err := f.repo.GetOutbox(context.Background(), "w6")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookFailed, e.Status, "attempt must not be left claimed")
	assert.Equal(t, 1, e.RetryCount)
	assert.Nil(t, e.ClaimedAt)
	assert.NotNil(t, e.LastAttemptAt)
}

func TestDispatcher_SweepAndPrune(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	f.addEntry(t, "stuck", srv.URL, 5)
	f.addEntry(t, "done", srv.URL, 5)

	_, err := f.disp.Poll(context.Background())
	require.NoError(t, err)
	jobs := f.queue.drain()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		if j.WebhookID == "done" {
			require.NoError(t, f.disp.Handle(context.Background(), j))
		}
	}

	f.now = f.now.Add(3 * time.Minute)
	n, err := f.disp.SweepStaleClaims(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, f.round(t), "recovered entry is claimable again")

	f.now = f.now.Add(8 * 24 * time.Hour)
	delivered, _, err := f.disp.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), delivered)
}

func TestBackoffClampsToLastDelay(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, time.Second, f.disp.backoff(1))
	assert.Equal(t, 5*time.Second, f.disp.backoff(2))
	assert.Equal(t, 15*time.Second, f.disp.backoff(3))
	assert.Equal(t, 15*time.Second, f.disp.backoff(9))
}
