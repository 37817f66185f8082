// Package operator is the outbound client for the operator's wallet API.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/richardliu001/rgs-wallet-gateway/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("operator unavailable")
	// ErrRateLimited is a 429 that outlived the retry budget.
	ErrRateLimited = errors.New("operator rate limit exceeded")
	// ErrRejected is a 4xx the client cannot map to a business status.
	ErrRejected = errors.New("operator refused request")
	// ErrBadResponse is a 2xx body that could not be decoded.
	ErrBadResponse = errors.New("operator returned an unreadable response")
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelays []time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	timeout     time.Duration
	maxAttempts int
	delays      []time.Duration
	http        *http.Client
	log         *zap.SugaredLogger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client.
func NewClient(opts Options, log *zap.SugaredLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		timeout:     opts.Timeout,
		maxAttempts: opts.MaxAttempts,
		delays:      opts.RetryDelays,
		http:        &http.Client{},
		log:         log,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Withdraw debits the player at the operator. amount is in major units.
func (c *Client) Withdraw(ctx context.Context, playerID string, amount decimal.Decimal, currency, refID, correlationID string) (*Result, error) {
	return c.move(ctx, "withdraw", playerID, moneyRequest{
		Amount:        json.Number(amount.String()),
		Currency:      currency,
		TransactionID: refID,
		Description:   "Debit transaction " + refID,
	}, correlationID)
}

// Deposit credits the player at the operator. amount is in major units.
func (c *Client) Deposit(ctx context.Context, playerID string, amount decimal.Decimal, currency, refID, correlationID string) (*Result, error) {
	return c.move(ctx, "deposit", playerID, moneyRequest{
		Amount:        json.Number(amount.String()),
		Currency:      currency,
		TransactionID: refID,
		Description:   "Credit transaction " + refID,
	}, correlationID)
}

// attemptError marks a failure worth another attempt.
type attemptError struct {
	err        error
	retryAfter time.Duration
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func (c *Client) move(ctx context.Context, endpoint, playerID string, req moneyRequest, correlationID string) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s/players/%s/%s", c.baseURL, url.PathEscape(playerID), endpoint)

	for attempt := 1; ; attempt++ {
		res, err := c.post(ctx, endpoint, target, body, correlationID)
		if err == nil {
			return res, nil
		}
		var ae *attemptError
		if !errors.As(err, &ae) {
			c.log.Errorw("operator request failed", "endpoint", endpoint, "refId", req.TransactionID,
				"correlationId", correlationID, "error", err)
			return nil, err
		}
		if attempt >= c.maxAttempts {
			c.log.Errorw("operator retries exhausted", "endpoint", endpoint, "refId", req.TransactionID,
				"attempts", attempt, "correlationId", correlationID, "error", err)
			return nil, fmt.Errorf("after %d attempts: %w", attempt, ae.err)
		}

		delay := c.backoff(attempt)
		if ae.retryAfter > 0 {
			delay = ae.retryAfter
		}
		c.log.Warnw("retrying operator request", "endpoint", endpoint, "refId", req.TransactionID,
			"attempt", attempt, "delay", delay.String(), "correlationId", correlationID, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
}

// backoff returns the delay after the given failed attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(c.delays) {
		i = len(c.delays) - 1
	}
	return c.delays[i]
}

func (c *Client) post(ctx context.Context, endpoint, target string, body []byte, correlationID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if correlationID == "" {
		correlationID = "unknown"
	}
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.OperatorAttempts.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &attemptError{err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.OperatorAttempts.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &attemptError{err: fmt.Errorf("%w: read body: %v", ErrUnavailable, err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.OperatorAttempts.WithLabelValues(endpoint, "2xx").Inc()
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil || res.Status == "" {
			return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
		}
		return &res, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.OperatorAttempts.WithLabelValues(endpoint, "429").Inc()
		return nil, &attemptError{
			err:        ErrRateLimited,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}

	case resp.StatusCode >= 500:
		metrics.OperatorAttempts.WithLabelValues(endpoint, "5xx").Inc()
		return nil, &attemptError{err: fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)}
	}

	metrics.OperatorAttempts.WithLabelValues(endpoint, "4xx").Inc()
	return rejection(resp.StatusCode, raw)
}

// rejection maps a non-retryable 4xx to a typed Result where possible.
func rejection(code int, raw []byte) (*Result, error) {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	res := &Result{Status: eb.Status, Balance: eb.Balance, Message: messageText(eb.Message)}

	switch code {
	case http.StatusNotFound:
		res.Status = StatusPlayerNotFound
		return res, nil
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		switch res.Status {
		case StatusInsufficientFunds, StatusInvalidCurrency, StatusPlayerNotFound:
		default:
			res.Status = StatusFailed
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: status %d", ErrRejected, code)
}

func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// History returns the operator's transactions in [start, end].
func (c *Client) History(ctx context.Context, start, end time.Time, limit int) ([]HistoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("startDate", start.UTC().Format(time.RFC3339Nano))
	q.Set("endDate", end.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.OperatorAttempts.WithLabelValues("history", "network_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.OperatorAttempts.WithLabelValues("history", strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
		return nil, fmt.Errorf("%w: history status %d", ErrUnavailable, resp.StatusCode)
	}
	metrics.OperatorAttempts.WithLabelValues("history", "2xx").Inc()

	var hr historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return hr.Transactions, nil
}

// FetchHistory is History for reconciliation: failures are logged and an
// empty set is returned.
func (c *Client) FetchHistory(ctx context.Context, start, end time.Time, limit int) []HistoryRecord {
	recs, err := c.History(ctx, start, end, limit)
	if err != nil {
		c.log.Errorw("failed to fetch operator transaction history",
			"startDate", start, "endDate", end, "error", err)
		return []HistoryRecord{}
	}
	return recs
}
