package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/rgs-wallet-gateway/internal/metrics"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRequest means the request failed validation before any state change.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRequestInProgress means another request holds the idempotency key.
	ErrRequestInProgress = errors.New("request is already being processed")
	// ErrDuplicateRef means refId already has a transaction.
	ErrDuplicateRef = errors.New("transaction with this refId already exists")
	// ErrUpstreamUnavailable means the operator call failed for good and the
	// transaction is FAILED.
	ErrUpstreamUnavailable = errors.New("operator unavailable")
)

// failureUpstream is the failure class stored on FAILED idempotency keys.
const failureUpstream = "UPSTREAM_UNAVAILABLE"

// OperatorClient moves money at the operator.
type OperatorClient interface {
	Withdraw(ctx context.Context, playerID string, amount decimal.Decimal, currency, refID, correlationID string) (*operator.Result, error)
	Deposit(ctx context.Context, playerID string, amount decimal.Decimal, currency, refID, correlationID string) (*operator.Result, error)
}

// Options configures WalletService.
type Options struct {
	WebhookURL        string
	WebhookMaxRetries int
	KeyTTL            time.Duration
}

// Request is one debit or credit.
type Request struct {
	Type           model.TransactionType
	PlayerID       string
	AmountCents    int64
	Currency       string
	RefID          string
	Meta           json.RawMessage
	IdempotencyKey string
	CorrelationID  string
}

// Outcome is what the caller gets back. Result is the operator status the
// response was derived from.
type Outcome struct {
	Response      model.WalletResponse
	Result        operator.Status
	TransactionID string
	Replayed      bool
}

// WalletService is the idempotent transaction engine.
type WalletService struct {
	repo  repo.RepositoryInterface
	op    OperatorClient
	opts  Options
	log   *zap.SugaredLogger
	now   func() time.Time
	newID func() string
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, op OperatorClient, opts Options, logger *zap.SugaredLogger) *WalletService {
	if opts.WebhookMaxRetries <= 0 {
		opts.WebhookMaxRetries = 5
	}
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 24 * time.Hour
	}
	return &WalletService{
		repo:  r,
		op:    op,
		opts:  opts,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithClock replaces the clock; used by tests.
func (s *WalletService) WithClock(now func() time.Time) *WalletService {
	s.now = now
	return s
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}

// Debit withdraws from the player.
func (s *WalletService) Debit(ctx context.Context, req Request) (*Outcome, error) {
	req.Type = model.TransactionDebit
	return s.Process(ctx, req)
}

// Credit deposits to the player.
func (s *WalletService) Credit(ctx context.Context, req Request) (*Outcome, error) {
	req.Type = model.TransactionCredit
	return s.Process(ctx, req)
}

// Validate checks req without touching storage.
func Validate(req Request) error {
	switch {
	case req.Type != model.TransactionDebit && req.Type != model.TransactionCredit:
		return fmt.Errorf("%w: type must be DEBIT or CREDIT", ErrInvalidRequest)
	case strings.TrimSpace(req.IdempotencyKey) == "":
		return fmt.Errorf("%w: Idempotency-Key header is required", ErrInvalidRequest)
	case len(req.IdempotencyKey) > 255:
		return fmt.Errorf("%w: Idempotency-Key must be at most 255 characters", ErrInvalidRequest)
	case strings.TrimSpace(req.PlayerID) == "":
		return fmt.Errorf("%w: playerId is required", ErrInvalidRequest)
	case strings.TrimSpace(req.RefID) == "":
		return fmt.Errorf("%w: refId is required", ErrInvalidRequest)
	case req.AmountCents <= 0:
		return fmt.Errorf("%w: amountCents must be a positive integer", ErrInvalidRequest)
	case !model.ValidCurrency(req.Currency):
		return fmt.Errorf("%w: currency must be one of the following values: %s",
			ErrInvalidRequest, strings.Join(model.Currencies, ", "))
	}
	return nil
}

// Process runs one debit/credit exactly once per (idempotency key, scope).
//
// Phase one commits the PROCESSING key and the PENDING transaction together;
// the storage unique indexes decide which caller owns the key. Phase two
// calls the operator outside any storage transaction and then commits the
// terminal state, the key resolution and the outbox entry together.
func (s *WalletService) Process(ctx context.Context, req Request) (*Outcome, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	scope := req.Type.Scope()
	log := s.log.With("idempotencyKey", req.IdempotencyKey, "refId", req.RefID, "correlationId", req.CorrelationID)

	if out, ok := s.cachedOutcome(ctx, req.IdempotencyKey, scope); ok {
		log.Infow("returning cached response for idempotent request")
		return out.result()
	}

	existing, err := s.repo.FindIdempotencyKey(ctx, req.IdempotencyKey, scope)
	switch {
	case err == nil:
		return s.fromExistingKey(ctx, existing, log)
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	if _, err := s.repo.FindTransactionByRefID(ctx, req.RefID); err == nil {
		log.Warnw("duplicate refId detected")
		metrics.Transactions.WithLabelValues(string(req.Type), "CONFLICT").Inc()
		return nil, ErrDuplicateRef
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	t, key, err := s.begin(ctx, req)
	if err != nil {
		if errors.Is(err, errKeyTaken) {
			existing, ferr := s.repo.FindIdempotencyKey(ctx, req.IdempotencyKey, scope)
			if ferr != nil {
				return nil, ErrRequestInProgress
			}
			return s.fromExistingKey(ctx, existing, log)
		}
		return nil, err
	}
	log.Infow("transaction pending", "transactionId", t.ID, "type", t.Type, "amountCents", t.AmountCents)

	// Once the operator may move money the terminal commit must happen even
	// if the caller goes away; the operator client bounds each attempt.
	ctx = context.WithoutCancel(ctx)
	res, opErr := s.callOperator(ctx, t)
	if opErr != nil {
		return s.fail(ctx, t, key, opErr, log)
	}
	return s.complete(ctx, t, key, res, log)
}

var errKeyTaken = errors.New("idempotency key taken")

// maxReasonLen matches the transactions.reason column width.
const maxReasonLen = 500

// truncateReason cuts r to maxReasonLen bytes on a rune boundary.
func truncateReason(r string) string {
	if len(r) <= maxReasonLen {
		return r
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(r[cut]) {
		cut--
	}
	return r[:cut]
}

// begin is phase one.
func (s *WalletService) begin(ctx context.Context, req Request) (*model.Transaction, *model.IdempotencyKey, error) {
	now := s.now()
	snapshot, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	t := &model.Transaction{
		ID:             s.newID(),
		RefID:          req.RefID,
		PlayerID:       req.PlayerID,
		Type:           req.Type,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Status:         model.TransactionPending,
		Meta:           datatypes.JSON(req.Meta),
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	key := &model.IdempotencyKey{
		ID:            s.newID(),
		Key:           req.IdempotencyKey,
		Scope:         req.Type.Scope(),
		Status:        model.IdempotencyProcessing,
		Request:       datatypes.JSON(snapshot),
		TransactionID: t.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.opts.KeyTTL),
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateIdempotencyKey(ctx, tx, key); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return errKeyTaken
			}
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrDuplicateRef
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return t, key, nil
}

func (s *WalletService) callOperator(ctx context.Context, t *model.Transaction) (*operator.Result, error) {
	amount := operator.CentsToAmount(t.AmountCents)
	if t.Type == model.TransactionDebit {
		return s.op.Withdraw(ctx, t.PlayerID, amount, t.Currency, t.RefID, t.CorrelationID)
	}
	return s.op.Deposit(ctx, t.PlayerID, amount, t.Currency, t.RefID, t.CorrelationID)
}

// complete finalizes a transaction the operator answered.
func (s *WalletService) complete(ctx context.Context, t *model.Transaction, key *model.IdempotencyKey, res *operator.Result, log *zap.SugaredLogger) (*Outcome, error) {
	resp := operator.ToWalletResponse(res)
	balance := resp.BalanceCents

	t.Status = operator.TransactionStatus(res.Status)
	t.BalanceCents = &balance
	t.Reason = truncateReason(resp.Reason)
	t.OperatorTransactionID = res.TransactionID

	co := model.CachedOutcome{Result: string(res.Status), Response: &resp}
	if err := s.finalize(ctx, t, key, model.IdempotencyCompleted, co); err != nil {
		return s.lostFinalize(ctx, key, err, log)
	}
	metrics.Transactions.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	log.Infow("transaction finalized", "transactionId", t.ID, "status", t.Status, "operatorStatus", res.Status)
	return &Outcome{Response: resp, Result: res.Status, TransactionID: t.ID}, nil
}

// fail finalizes a transaction whose operator call failed for good.
func (s *WalletService) fail(ctx context.Context, t *model.Transaction, key *model.IdempotencyKey, opErr error, log *zap.SugaredLogger) (*Outcome, error) {
	log.Errorw("operator call failed", "transactionId", t.ID, "error", opErr)
	t.Status = model.TransactionFailed
	t.Reason = truncateReason(opErr.Error())

	co := model.CachedOutcome{Result: failureUpstream, Error: opErr.Error()}
	if err := s.finalize(ctx, t, key, model.IdempotencyFailed, co); err != nil {
		return s.lostFinalize(ctx, key, err, log)
	}
	metrics.Transactions.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, opErr)
}

// lostFinalize handles a finalize error. When the reaper resolved the
// transaction first, its stored outcome is what every caller sees.
func (s *WalletService) lostFinalize(ctx context.Context, key *model.IdempotencyKey, err error, log *zap.SugaredLogger) (*Outcome, error) {
	if !errors.Is(err, repo.ErrAlreadyTerminal) {
		log.Errorw("failed to finalize transaction", "transactionId", key.TransactionID, "error", err)
		return nil, err
	}
	log.Warnw("transaction was finalized concurrently", "transactionId", key.TransactionID)
	stored, ferr := s.repo.FindIdempotencyKey(ctx, key.Key, key.Scope)
	if ferr != nil {
		return nil, ferr
	}
	return s.fromExistingKey(ctx, stored, log)
}

// finalize commits the terminal transaction state, the key resolution and
// the outbox entry in one storage transaction, then warms the response cache.
func (s *WalletService) finalize(ctx context.Context, t *model.Transaction, key *model.IdempotencyKey, keyStatus model.IdempotencyStatus, co model.CachedOutcome) error {
	now := s.now()
	t.UpdatedAt = now
	t.CompletedAt = &now

	snapshot, err := json.Marshal(co)
	if err != nil {
		return err
	}
	entry, err := s.newOutboxEntry(t, now)
	if err != nil {
		return err
	}

	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.FinalizeTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.ResolveIdempotencyKey(ctx, tx, key.ID, keyStatus, datatypes.JSON(snapshot), now); err != nil {
			return err
		}
		return s.repo.CreateOutboxEntry(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	if err := s.repo.CacheResponse(ctx, key.Key, key.Scope, snapshot); err != nil {
		s.log.Warnw("failed to cache idempotent response", "idempotencyKey", key.Key, "error", err)
	}
	return nil
}

func (s *WalletService) newOutboxEntry(t *model.Transaction, now time.Time) (*model.WebhookOutbox, error) {
	eventType, ok := t.Status.EventType()
	if !ok {
		return nil, fmt.Errorf("no webhook event for status %s", t.Status)
	}
	env := model.WebhookEnvelope{
		EventType: eventType,
		EventID:   s.newID(),
		Timestamp: now.Format(time.RFC3339Nano),
		Data: model.WebhookData{
			TransactionID: t.ID,
			RefID:         t.RefID,
			PlayerID:      t.PlayerID,
			Type:          t.Type,
			AmountCents:   t.AmountCents,
			Currency:      t.Currency,
			Status:        t.Status,
			BalanceCents:  t.BalanceCents,
			Reason:        t.Reason,
			Meta:          t.Meta,
		},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &model.WebhookOutbox{
		ID:            env.EventID,
		EventType:     eventType,
		TargetURL:     s.opts.WebhookURL,
		Payload:       datatypes.JSON(payload),
		Status:        model.WebhookPending,
		MaxRetries:    s.opts.WebhookMaxRetries,
		NextRetryAt:   now,
		TransactionID: t.ID,
		RefID:         t.RefID,
		CorrelationID: t.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *WalletService) fromExistingKey(ctx context.Context, k *model.IdempotencyKey, log *zap.SugaredLogger) (*Outcome, error) {
	if k.Status == model.IdempotencyProcessing {
		log.Warnw("request is still processing")
		metrics.Transactions.WithLabelValues(string(k.Scope), "CONFLICT").Inc()
		return nil, ErrRequestInProgress
	}
	var co storedOutcome
	if err := json.Unmarshal(k.Response, &co.CachedOutcome); err != nil {
		return nil, fmt.Errorf("decode stored response for key %s: %w", k.Key, err)
	}
	co.transactionID = k.TransactionID
	if err := s.repo.CacheResponse(ctx, k.Key, k.Scope, k.Response); err != nil {
		log.Warnw("failed to cache idempotent response", "error", err)
	}
	log.Infow("returning stored response for idempotent request", "keyStatus", k.Status)
	metrics.Transactions.WithLabelValues(string(k.Scope), "REPLAYED").Inc()
	return co.result()
}

func (s *WalletService) cachedOutcome(ctx context.Context, key string, scope model.IdempotencyScope) (storedOutcome, bool) {
	raw, err := s.repo.GetCachedResponse(ctx, key, scope)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warnw("response cache read failed", "idempotencyKey", key, "error", err)
		}
		return storedOutcome{}, false
	}
	var co storedOutcome
	if err := json.Unmarshal(raw, &co.CachedOutcome); err != nil {
		return storedOutcome{}, false
	}
	metrics.Transactions.WithLabelValues(string(scope), "REPLAYED").Inc()
	return co, true
}

type storedOutcome struct {
	model.CachedOutcome
	transactionID string
}

// result rebuilds what the original caller received.
func (o storedOutcome) result() (*Outcome, error) {
	if o.Error != "" || o.Response == nil {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, o.Error)
	}
	return &Outcome{
		Response:      *o.Response,
		Result:        operator.Status(o.Result),
		TransactionID: o.transactionID,
		Replayed:      true,
	}, nil
}

// GetTransaction loads a transaction by refId.
func (s *WalletService) GetTransaction(ctx context.Context, refID string) (*model.Transaction, error) {
	return s.repo.FindTransactionByRefID(ctx, refID)
}

// ListWebhooks returns outbox entries for inspection.
func (s *WalletService) ListWebhooks(ctx context.Context, f repo.OutboxFilter) ([]model.WebhookOutbox, error) {
	return s.repo.ListOutbox(ctx, f)
}

// ReplayWebhook moves a dead-lettered entry back to PENDING with a fresh
// retry budget. Only DEAD_LETTER entries qualify; others yield repo.ErrNotFound.
func (s *WalletService) ReplayWebhook(ctx context.Context, id string) error {
	if err := s.repo.ReplayDeadLetter(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Infow("dead letter replayed", "webhookId", id)
	return nil
}
