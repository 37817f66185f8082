package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"gorm.io/gorm"
)

// OutboxFilter narrows ListOutbox. Zero fields are ignored.
type OutboxFilter struct {
	Status        model.WebhookStatus
	RefID         string
	TransactionID string
	Limit         int
}

var claimable = []model.WebhookStatus{model.WebhookPending, model.WebhookFailed}

// CreateOutboxEntry writes event.
func (r *Repository) CreateOutboxEntry(ctx context.Context, tx *gorm.DB, e *model.WebhookOutbox) error {
	return tx.WithContext(ctx).Create(e).Error
}

// DueOutbox returns PENDING/FAILED entries whose nextRetryAt has passed, oldest first.
func (r *Repository) DueOutbox(ctx context.Context, now time.Time, limit int) ([]model.WebhookOutbox, error) {
	var es []model.WebhookOutbox
	err := r.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at <= ?", claimable, now).
		Order("created_at").Limit(limit).Find(&es).Error
	return es, err
}

// ClaimOutbox moves one due entry to PROCESSING. It reports false when another
// poller claimed it first.
func (r *Repository) ClaimOutbox(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.WebhookOutbox{}).
		Where("id = ? AND status IN ?", id, claimable).
		Updates(map[string]interface{}{
			"status":     model.WebhookProcessing,
			"claimed_at": now,
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// ReleaseOutbox reverts a claimed entry to FAILED, due immediately, without
// spending a retry.
func (r *Repository) ReleaseOutbox(ctx context.Context, id string, now time.Time, reason string) error {
	lastErr, _ := json.Marshal(map[string]string{"message": reason, "timestamp": now.Format(time.RFC3339)})
	return r.db.WithContext(ctx).
		Model(&model.WebhookOutbox{}).
		Where("id = ? AND status = ?", id, model.WebhookProcessing).
		Updates(map[string]interface{}{
			"status":        model.WebhookFailed,
			"next_retry_at": now,
			"claimed_at":    nil,
			"last_error":    lastErr,
			"updated_at":    now,
		}).Error
}

// GetOutbox loads one entry.
func (r *Repository) GetOutbox(ctx context.Context, id string) (*model.WebhookOutbox, error) {
	var e model.WebhookOutbox
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// SaveDeliveryResult persists the outcome of a delivery attempt on a
// PROCESSING entry.
func (r *Repository) SaveDeliveryResult(ctx context.Context, e *model.WebhookOutbox) error {
	res := r.db.WithContext(ctx).
		Model(&model.WebhookOutbox{}).
		Where("id = ? AND status = ?", e.ID, model.WebhookProcessing).
		Updates(map[string]interface{}{
			"status":          e.Status,
			"retry_count":     e.RetryCount,
			"next_retry_at":   e.NextRetryAt,
			"last_attempt_at": e.LastAttemptAt,
			"last_error":      e.LastError,
			"signature":       e.Signature,
			"delivered_at":    e.DeliveredAt,
			"claimed_at":      nil,
			"updated_at":      e.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save delivery %s: %w", e.ID, ErrAlreadyTerminal)
	}
	return nil
}

// RecoverStaleClaims reverts PROCESSING entries claimed before claimedBefore
// to FAILED, due at now.
func (r *Repository) RecoverStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.WebhookOutbox{}).
		Where("status = ? AND claimed_at < ?", model.WebhookProcessing, claimedBefore).
		Updates(map[string]interface{}{
			"status":        model.WebhookFailed,
			"next_retry_at": now,
			"claimed_at":    nil,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// PruneDelivered deletes DELIVERED entries delivered before deliveredBefore.
func (r *Repository) PruneDelivered(ctx context.Context, deliveredBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", model.WebhookDelivered, deliveredBefore).
		Delete(&model.WebhookOutbox{})
	return res.RowsAffected, res.Error
}

// ListOutbox returns entries matching f, newest first.
func (r *Repository) ListOutbox(ctx context.Context, f OutboxFilter) ([]model.WebhookOutbox, error) {
	q := r.db.WithContext(ctx).Model(&model.WebhookOutbox{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.RefID != "" {
		q = q.Where("ref_id = ?", f.RefID)
	}
	if f.TransactionID != "" {
		q = q.Where("transaction_id = ?", f.TransactionID)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var es []model.WebhookOutbox
	err := q.Order("created_at desc").Limit(f.Limit).Find(&es).Error
	return es, err
}

// ReplayDeadLetter gives a DEAD_LETTER entry a fresh retry budget.
func (r *Repository) ReplayDeadLetter(ctx context.Context, id string, now time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.WebhookOutbox{}).
		Where("id = ? AND status = ?", id, model.WebhookDeadLetter).
		Updates(map[string]interface{}{
			"status":        model.WebhookPending,
			"retry_count":   0,
			"next_retry_at": now,
			"claimed_at":    nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("replay %s: %w", id, ErrNotFound)
	}
	return nil
}
