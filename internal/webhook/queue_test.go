package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChanQueue_FullAndConsume(t *testing.T) {
	q := NewChanQueue(2, zap.NewNop().Sugar())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{WebhookID: "a"}))
	require.NoError(t, q.Enqueue(ctx, Job{WebhookID: "b"}))
	assert.ErrorIs(t, q.Enqueue(ctx, Job{WebhookID: "c"}), ErrQueueFull)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, job Job) error {
			mu.Lock()
			seen = append(seen, job.WebhookID)
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, q.Close())
	<-done
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
	assert.ErrorIs(t, q.Enqueue(ctx, Job{WebhookID: "d"}), ErrQueueFull)
}

type fakeKafka struct {
	mu        sync.Mutex
	written   []kafka.Message
	pending   chan kafka.Message
	committed []int64
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, msgs...)
	for _, m := range msgs {
		m.Offset = int64(len(f.written) - 1)
		f.pending <- m
	}
	return nil
}

func (f *fakeKafka) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.pending:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeKafka) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func TestKafkaQueue_RoundTripCommitsAfterHandling(t *testing.T) {
	fk := &fakeKafka{pending: make(chan kafka.Message, 10)}
	q := &KafkaQueue{w: fk, r: fk, log: zap.NewNop().Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, Job{WebhookID: "w1", CorrelationID: "c1"}))
	require.NoError(t, q.Enqueue(ctx, Job{WebhookID: "w2"}))
	fk.pending <- kafka.Message{Offset: 99, Value: []byte("not json")}

	var job Job
	require.NoError(t, json.Unmarshal(fk.written[0].Value, &job))
	assert.Equal(t, Job{WebhookID: "w1", CorrelationID: "c1"}, job)
	assert.Equal(t, "w1", string(fk.written[0].Key))

	var mu sync.Mutex
	var handled []string
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 1, func(_ context.Context, j Job) error {
			mu.Lock()
			handled = append(handled, j.WebhookID)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		fk.mu.Lock()
		defer fk.mu.Unlock()
		return len(fk.committed) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"w1", "w2"}, handled)
	assert.Equal(t, []int64{0, 1, 99}, fk.committed)
}
