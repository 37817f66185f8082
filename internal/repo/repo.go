package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate wraps a unique-constraint violation.
	ErrDuplicate = errors.New("duplicate key")
	// ErrAlreadyTerminal means a guarded state transition found the row
	// no longer in the expected state.
	ErrAlreadyTerminal = errors.New("row is no longer in the expected state")
)

// RepositoryInterface restricts Repo methods (handy for unit test mocks).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	FindIdempotencyKey(ctx context.Context, key string, scope model.IdempotencyScope) (*model.IdempotencyKey, error)
	FindTransaction(ctx context.Context, id string) (*model.Transaction, error)
	FindTransactionByRefID(ctx context.Context, refID string) (*model.Transaction, error)
	CreateIdempotencyKey(ctx context.Context, tx *gorm.DB, k *model.IdempotencyKey) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	FinalizeTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	ResolveIdempotencyKey(ctx context.Context, tx *gorm.DB, id string, status model.IdempotencyStatus, response datatypes.JSON, now time.Time) error
	StaleIdempotencyKeys(ctx context.Context, createdBefore time.Time, limit int) ([]model.IdempotencyKey, error)
	PruneExpiredKeys(ctx context.Context, now time.Time) (int64, error)
	TransactionsBetween(ctx context.Context, start, end time.Time) ([]model.Transaction, error)

	CreateOutboxEntry(ctx context.Context, tx *gorm.DB, e *model.WebhookOutbox) error
	DueOutbox(ctx context.Context, now time.Time, limit int) ([]model.WebhookOutbox, error)
	ClaimOutbox(ctx context.Context, id string, now time.Time) (bool, error)
	ReleaseOutbox(ctx context.Context, id string, now time.Time, reason string) error
	GetOutbox(ctx context.Context, id string) (*model.WebhookOutbox, error)
	SaveDeliveryResult(ctx context.Context, e *model.WebhookOutbox) error
	RecoverStaleClaims(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	PruneDelivered(ctx context.Context, deliveredBefore time.Time) (int64, error)
	ListOutbox(ctx context.Context, f OutboxFilter) ([]model.WebhookOutbox, error)
	ReplayDeadLetter(ctx context.Context, id string, now time.Time) error

	CacheResponse(ctx context.Context, key string, scope model.IdempotencyScope, snapshot []byte) error
	GetCachedResponse(ctx context.Context, key string, scope model.IdempotencyScope) ([]byte, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db          *gorm.DB
	rdb         *redis.Client
	responseTTL time.Duration
	log         *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the
// response cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, responseTTL time.Duration, logger *zap.SugaredLogger) *Repository {
	if responseTTL <= 0 {
		responseTTL = 24 * time.Hour
	}
	return &Repository{db: db, rdb: rdb, responseTTL: responseTTL, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Migrate creates or updates every table and index.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(model.AllModels()...)
}

// isUniqueViolation recognises unique-constraint errors from postgres and sqlite.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// FindIdempotencyKey looks up a (key, scope) pair.
func (r *Repository) FindIdempotencyKey(ctx context.Context, key string, scope model.IdempotencyScope) (*model.IdempotencyKey, error) {
	var k model.IdempotencyKey
	if err := r.db.WithContext(ctx).Where("idempotency_key = ? AND scope = ?", key, scope).First(&k).Error; err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

// FindTransaction loads a transaction by internal id.
func (r *Repository) FindTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// FindTransactionByRefID loads a transaction by business reference.
func (r *Repository) FindTransactionByRefID(ctx context.Context, refID string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("ref_id = ?", refID).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// CreateIdempotencyKey inserts a key; a (key, scope) collision yields ErrDuplicate.
func (r *Repository) CreateIdempotencyKey(ctx context.Context, tx *gorm.DB, k *model.IdempotencyKey) error {
	if err := tx.WithContext(ctx).Create(k).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: idempotency key %s/%s", ErrDuplicate, k.Scope, k.Key)
		}
		return err
	}
	return nil
}

// CreateTransaction inserts record; a refId collision yields ErrDuplicate.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: refId %s", ErrDuplicate, t.RefID)
		}
		return err
	}
	return nil
}

// FinalizeTransaction moves a PENDING transaction to t.Status. It returns
// ErrAlreadyTerminal if someone else finalized it first.
func (r *Repository) FinalizeTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("finalize %s: status %s is not terminal", t.ID, t.Status)
	}
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", t.ID, model.TransactionPending).
		Updates(map[string]interface{}{
			"status":                  t.Status,
			"balance_cents":           t.BalanceCents,
			"reason":                  t.Reason,
			"operator_transaction_id": t.OperatorTransactionID,
			"completed_at":            t.CompletedAt,
			"updated_at":              t.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finalize %s: %w", t.ID, ErrAlreadyTerminal)
	}
	return nil
}

// ResolveIdempotencyKey moves a PROCESSING key to COMPLETED or FAILED.
func (r *Repository) ResolveIdempotencyKey(ctx context.Context, tx *gorm.DB, id string, status model.IdempotencyStatus, response datatypes.JSON, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.IdempotencyKey{}).
		Where("id = ? AND status = ?", id, model.IdempotencyProcessing).
		Updates(map[string]interface{}{
			"status":     status,
			"response":   response,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resolve idempotency key %s: %w", id, ErrAlreadyTerminal)
	}
	return nil
}

// StaleIdempotencyKeys returns PROCESSING keys created before createdBefore, oldest first.
func (r *Repository) StaleIdempotencyKeys(ctx context.Context, createdBefore time.Time, limit int) ([]model.IdempotencyKey, error) {
	var keys []model.IdempotencyKey
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.IdempotencyProcessing, createdBefore).
		Order("created_at").Limit(limit).Find(&keys).Error
	return keys, err
}

// PruneExpiredKeys deletes resolved keys past their expiry.
func (r *Repository) PruneExpiredKeys(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status <> ? AND expires_at < ?", model.IdempotencyProcessing, now).
		Delete(&model.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

// TransactionsBetween returns transactions created in [start, end], oldest first.
func (r *Repository) TransactionsBetween(ctx context.Context, start, end time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Order("created_at asc").
		Find(&txs).Error
	return txs, err
}

func responseCacheKey(key string, scope model.IdempotencyScope) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// CacheResponse writes Redis.
func (r *Repository) CacheResponse(ctx context.Context, key string, scope model.IdempotencyScope, snapshot []byte) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, responseCacheKey(key, scope), string(snapshot), r.responseTTL).Err()
}

// GetCachedResponse reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedResponse(ctx context.Context, key string, scope model.IdempotencyScope) ([]byte, error) {
	if r.rdb == nil {
		return nil, redis.Nil
	}
	return r.rdb.Get(ctx, responseCacheKey(key, scope)).Bytes()
}
