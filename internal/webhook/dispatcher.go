// Package webhook delivers transaction outcome events from the outbox table
// to the configured target with retry, backoff and dead-lettering.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/metrics"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderEventType     = "X-Event-Type"
	HeaderWebhookID     = "X-Webhook-ID"
)

// Options tunes the Dispatcher.
type Options struct {
	Timeout           time.Duration
	RetryDelays       []time.Duration
	BatchSize         int
	PollInterval      time.Duration
	ClaimTimeout      time.Duration
	Retention         time.Duration
	RetentionInterval time.Duration
}

// Dispatcher is both the outbox poller (Poll) and the delivery worker
// (Handle). Any number of workers may run Handle concurrently.
type Dispatcher struct {
	repo   repo.RepositoryInterface
	queue  Queue
	signer *security.Signer
	http   *http.Client
	opts   Options
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewDispatcher(r repo.RepositoryInterface, q Queue, signer *security.Signer, opts Options, log *zap.SugaredLogger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = 24 * time.Hour
	}
	return &Dispatcher{
		repo:   r,
		queue:  q,
		signer: signer,
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock; used by tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run polls, sweeps stale claims and prunes until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(d.opts.ClaimTimeout / 2)
	defer sweep.Stop()
	prune := time.NewTicker(d.opts.RetentionInterval)
	defer prune.Stop()

	d.log.Infow("webhook poller started", "interval", d.opts.PollInterval.String(), "batchSize", d.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := d.Poll(ctx); err != nil {
				d.log.Errorw("poll outbox", "error", err)
			}
		case <-sweep.C:
			if n, err := d.SweepStaleClaims(ctx); err != nil {
				d.log.Errorw("sweep stale claims", "error", err)
			} else if n > 0 {
				d.log.Warnw("recovered stale webhook claims", "count", n)
			}
		case <-prune.C:
			if _, _, err := d.Prune(ctx); err != nil {
				d.log.Errorw("prune outbox", "error", err)
			}
		}
	}
}

// Poll claims due entries and hands them to the queue. It returns how many
// were enqueued. Entries the queue refuses go back to FAILED.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	now := d.now()
	due, err := d.repo.DueOutbox(ctx, now, d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, e := range due {
		ok, err := d.repo.ClaimOutbox(ctx, e.ID, now)
		if err != nil {
			d.log.Errorw("claim webhook", "webhookId", e.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.WebhooksClaimed.Inc()
		if err := d.queue.Enqueue(ctx, Job{WebhookID: e.ID, CorrelationID: e.CorrelationID}); err != nil {
			d.log.Errorw("enqueue webhook", "webhookId", e.ID, "correlationId", e.CorrelationID, "error", err)
			if rerr := d.repo.ReleaseOutbox(ctx, e.ID, now, err.Error()); rerr != nil {
				d.log.Errorw("release webhook claim", "webhookId", e.ID, "error", rerr)
			}
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		d.log.Infow("webhooks enqueued", "count", enqueued)
	}
	return enqueued, nil
}

// Handle is the queue Handler: it delivers the entry if it is still claimed.
func (d *Dispatcher) Handle(ctx context.Context, job Job) error {
	e, err := d.repo.GetOutbox(ctx, job.WebhookID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			d.log.Warnw("webhook job for unknown entry", "webhookId", job.WebhookID)
			return nil
		}
		return err
	}
	if e.Status != model.WebhookProcessing {
		d.log.Infow("skipping webhook no longer claimed", "webhookId", e.ID, "status", e.Status)
		return nil
	}
	return d.Deliver(ctx, e)
}

// Deliver makes one signed delivery attempt and records its outcome.
func (d *Dispatcher) Deliver(ctx context.Context, e *model.WebhookOutbox) error {
	now := d.now()
	sig, ts := d.signer.Sign(e.Payload)
	e.Signature = sig
	e.LastAttemptAt = &now
	e.UpdatedAt = now

	code, err := d.post(ctx, e, sig, ts)
	// The attempt already happened; record it even if the worker is stopping
	// so the row does not sit in PROCESSING until the claim timeout.
	saveCtx := context.WithoutCancel(ctx)
	log := d.log.With("webhookId", e.ID, "refId", e.RefID, "correlationId", e.CorrelationID)
	if err == nil {
		e.Status = model.WebhookDelivered
		e.DeliveredAt = &now
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		log.Infow("webhook delivered", "statusCode", code, "attempt", e.RetryCount+1)
		return d.repo.SaveDeliveryResult(saveCtx, e)
	}

	e.RetryCount++
	e.LastError = lastError(err, code, e.RetryCount, now)
	if e.RetryCount >= e.MaxRetries {
		e.Status = model.WebhookDeadLetter
		metrics.WebhookDeliveries.WithLabelValues("dead_letter").Inc()
		log.Errorw("webhook moved to dead letter", "retryCount", e.RetryCount, "error", err)
	} else {
		e.Status = model.WebhookFailed
		e.NextRetryAt = now.Add(d.backoff(e.RetryCount))
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Warnw("webhook delivery failed", "retryCount", e.RetryCount,
			"nextRetryAt", e.NextRetryAt, "error", err)
	}
	return d.repo.SaveDeliveryResult(saveCtx, e)
}

func (d *Dispatcher) post(ctx context.Context, e *model.WebhookOutbox, sig string, ts int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TargetURL, bytes.NewReader(e.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(security.HeaderSignature, sig)
	req.Header.Set(security.HeaderTimestamp, fmt.Sprint(ts))
	req.Header.Set(HeaderCorrelationID, e.CorrelationID)
	req.Header.Set(HeaderEventType, string(e.EventType))
	req.Header.Set(HeaderWebhookID, e.ID)

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook target returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff returns the delay after the retryCount-th failure, clamped to the
// last schedule entry.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(d.opts.RetryDelays) {
		i = len(d.opts.RetryDelays) - 1
	}
	return d.opts.RetryDelays[i]
}

func lastError(err error, code, attempt int, at time.Time) datatypes.JSON {
	b, _ := json.Marshal(map[string]interface{}{
		"message":    err.Error(),
		"statusCode": code,
		"attempt":    attempt,
		"timestamp":  at.Format(time.RFC3339),
	})
	return datatypes.JSON(b)
}

// SweepStaleClaims returns entries stuck in PROCESSING longer than the claim
// timeout to FAILED so the next poll picks them up.
func (d *Dispatcher) SweepStaleClaims(ctx context.Context) (int64, error) {
	now := d.now()
	return d.repo.RecoverStaleClaims(ctx, now.Add(-d.opts.ClaimTimeout), now)
}

// Prune deletes delivered entries past retention and expired idempotency keys.
func (d *Dispatcher) Prune(ctx context.Context) (delivered, keys int64, err error) {
	now := d.now()
	delivered, err = d.repo.PruneDelivered(ctx, now.Add(-d.opts.Retention))
	if err != nil {
		return 0, 0, err
	}
	keys, err = d.repo.PruneExpiredKeys(ctx, now)
	if err != nil {
		return delivered, 0, err
	}
	d.log.Infow("retention pass", "deliveredPruned", delivered, "keysPruned", keys)
	return delivered, keys, nil
}
