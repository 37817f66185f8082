package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the queue cannot take the job.
var ErrQueueFull = errors.New("delivery queue is full")

// Job asks a worker to deliver one claimed outbox entry.
type Job struct {
	WebhookID     string `json:"webhookId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Handler processes one job. A returned error is logged; the job is not
// retried by the queue because the outbox row carries the retry state.
type Handler func(ctx context.Context, job Job) error

// Queue carries jobs from the poller to the delivery workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume runs workers handlers until ctx is done.
	Consume(ctx context.Context, workers int, h Handler) error
	Close() error
}

// ChanQueue is an in-process Queue for single-binary deployments and tests.
type ChanQueue struct {
	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	log    *zap.SugaredLogger
}

func NewChanQueue(capacity int, log *zap.SugaredLogger) *ChanQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ChanQueue{jobs: make(chan Job, capacity), log: log}
}

func (q *ChanQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *ChanQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := h(ctx, job); err != nil {
						q.log.Errorw("webhook job failed", "webhookId", job.WebhookID, "error", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Close stops accepting jobs and lets workers drain and exit.
func (q *ChanQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue is a durable Queue on a Kafka topic. Offsets are committed
// after the handler returns, so a crashed worker's job is redelivered.
type KafkaQueue struct {
	w   messageWriter
	r   messageReader
	log *zap.SugaredLogger
}

// NewKafkaQueue connects a writer and a consumer-group reader to topic.
func NewKafkaQueue(brokers []string, topic, groupID string, log *zap.SugaredLogger) *KafkaQueue {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaQueue{w: w, r: r, log: log}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.w.WriteMessages(ctx, kafka.Message{Key: []byte(job.WebhookID), Value: b})
}

func (q *KafkaQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs := make(chan kafka.Message)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgs {
				q.handle(ctx, m, h)
			}
		}()
	}

	var err error
	for {
		m, ferr := q.r.FetchMessage(ctx)
		if ferr != nil {
			if ctx.Err() == nil {
				err = ferr
			}
			break
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(msgs)
	wg.Wait()
	return err
}

func (q *KafkaQueue) handle(ctx context.Context, m kafka.Message, h Handler) {
	var job Job
	if err := json.Unmarshal(m.Value, &job); err != nil {
		q.log.Errorw("dropping malformed webhook job", "offset", m.Offset, "error", err)
	} else if err := h(ctx, job); err != nil {
		q.log.Errorw("webhook job failed", "webhookId", job.WebhookID, "error", err)
	}
	if err := q.r.CommitMessages(ctx, m); err != nil {
		q.log.Warnw("commit webhook job", "offset", m.Offset, "error", err)
	}
}

func (q *KafkaQueue) Close() error {
	werr := q.w.Close()
	rerr := q.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
