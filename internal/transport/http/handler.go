package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/rgs-wallet-gateway/internal/model"
	"github.com/richardliu001/rgs-wallet-gateway/internal/operator"
	"github.com/richardliu001/rgs-wallet-gateway/internal/ratelimit"
	"github.com/richardliu001/rgs-wallet-gateway/internal/repo"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"github.com/richardliu001/rgs-wallet-gateway/internal/service"
	"go.uber.org/zap"
)

// RegisterHandlers mounts every route on r. Wallet routes are signed and
// rate limited; the webhook replay and receiver are signed only.
func RegisterHandlers(r *gin.Engine, svc *service.WalletService, signer *security.Signer, limiter ratelimit.Limiter, log *zap.SugaredLogger) {
	auth := HMACMiddleware(signer, log)

	wallet := r.Group("/wallet", auth, RateLimitMiddleware(limiter, log))
	{
		wallet.POST("/debit", walletHandler(svc.Debit, model.TransactionDebit, log))
		wallet.POST("/credit", walletHandler(svc.Credit, model.TransactionCredit, log))
	}

	r.GET("/transactions/:refId", transactionHandler(svc))

	hooks := r.Group("/webhooks")
	{
		hooks.GET("", listWebhooksHandler(svc))
		hooks.POST("", auth, receiveWebhookHandler(log))
		hooks.POST("/:id/replay", auth, replayWebhookHandler(svc))
	}

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type walletReq struct {
	PlayerID    string          `json:"playerId"`
	AmountCents int64           `json:"amountCents"`
	Currency    string          `json:"currency"`
	RefID       string          `json:"refId"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

type walletFunc func(ctx context.Context, req service.Request) (*service.Outcome, error)

func walletHandler(process walletFunc, typ model.TransactionType, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			abortWithError(c, http.StatusBadRequest, codeValidation, "Idempotency-Key header is required")
			return
		}
		var req walletReq
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, codeValidation, "malformed request body: "+err.Error())
			return
		}
		corrID := correlationID(c)
		log.Infow(strings.ToLower(string(typ))+" request received",
			"playerId", req.PlayerID, "amountCents", req.AmountCents, "refId", req.RefID,
			"idempotencyKey", key, "correlationId", corrID)

		out, err := process(c.Request.Context(), service.Request{
			PlayerID:       req.PlayerID,
			AmountCents:    req.AmountCents,
			Currency:       req.Currency,
			RefID:          req.RefID,
			Meta:           req.Meta,
			IdempotencyKey: key,
			CorrelationID:  corrID,
		})
		if err != nil {
			log.Warnw(strings.ToLower(string(typ))+" request failed", "refId", req.RefID,
				"idempotencyKey", key, "correlationId", corrID, "error", err)
			writeError(c, err)
			return
		}
		if out.Replayed {
			c.Header(HeaderIdempotentReplayed, "true")
		}
		c.JSON(outcomeStatus(out.Result), out.Response)
	}
}

// outcomeStatus maps the operator verdict onto the wallet endpoint's code.
func outcomeStatus(s operator.Status) int {
	switch s {
	case operator.StatusSuccess:
		return http.StatusCreated
	case operator.StatusPlayerNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

func transactionHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransaction(c.Request.Context(), c.Param("refId"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func listWebhooksHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := repo.OutboxFilter{
			Status: model.WebhookStatus(strings.ToUpper(c.Query("status"))),
			RefID:  c.Query("refId"),
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				abortWithError(c, http.StatusBadRequest, codeValidation, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}
		rows, err := svc.ListWebhooks(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(rows), "webhooks": rows})
	}
}

func replayWebhookHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := svc.ReplayWebhook(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "status": model.WebhookPending})
	}
}

// receiveWebhookHandler acknowledges signed inbound events.
func receiveWebhookHandler(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil || !json.Valid(payload) {
			abortWithError(c, http.StatusBadRequest, codeValidation, "malformed request body")
			return
		}
		log.Infow("webhook received", "eventType", c.GetHeader("X-Event-Type"), "correlationId", correlationID(c))
		log.Debugw("webhook payload", "payload", string(payload), "correlationId", correlationID(c))
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
