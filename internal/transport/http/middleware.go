package http

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/rgs-wallet-gateway/internal/metrics"
	"github.com/richardliu001/rgs-wallet-gateway/internal/ratelimit"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"go.uber.org/zap"
)

const (
	HeaderCorrelationID      = "X-Correlation-ID"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "Idempotent-Replayed"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"

	correlationIDKey = "correlationId"
)

// CorrelationIDMiddleware reuses the caller's X-Correlation-ID or mints one,
// and echoes it on the response.
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationIDKey, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationIDKey)
}

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPLatency.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		log.Infow("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", elapsed.String(),
			"correlationId", correlationID(c),
		)
	}
}

// HMACMiddleware rejects requests whose X-Signature does not cover the raw
// body and X-Timestamp, or whose timestamp is outside the signer's tolerance.
func HMACMiddleware(signer *security.Signer, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig := c.GetHeader(security.HeaderSignature)
		ts := c.GetHeader(security.HeaderTimestamp)
		if sig == "" || ts == "" {
			log.Warnw("missing signature or timestamp headers", "path", c.Request.URL.Path, "correlationId", correlationID(c))
			abortWithError(c, http.StatusUnauthorized, codeAuthentication, "Missing signature or timestamp headers")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, codeValidation, "unable to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !signer.Verify(body, sig, ts) {
			log.Warnw("invalid signature or timestamp skew", "timestamp", ts, "path", c.Request.URL.Path,
				"correlationId", correlationID(c))
			abortWithError(c, http.StatusUnauthorized, codeAuthentication, "Invalid signature or timestamp")
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware admits requests per client IP through limiter. A
// limiter error lets the request through.
func RateLimitMiddleware(limiter ratelimit.Limiter, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warnw("rate limiter unavailable, admitting request", "error", err, "correlationId", correlationID(c))
			c.Next()
			return
		}
		c.Header(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			metrics.RateLimited.Inc()
			log.Warnw("rate limit exceeded", "clientIp", c.ClientIP(), "retryAfter", secs, "correlationId", correlationID(c))
			abortWithError(c, http.StatusTooManyRequests, codeRateLimited, "Too many requests, retry after "+strconv.Itoa(secs)+"s")
			return
		}
		c.Next()
	}
}
