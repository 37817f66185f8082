// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"method", "route"})

	// Transactions counts terminal outcomes by type and status, plus
	// replays (status "REPLAYED") and conflicts ("CONFLICT").
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_transactions_total",
		Help: "Debit/credit requests by type and outcome",
	}, []string{"type", "outcome"})

	OperatorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_operator_attempts_total",
		Help: "Outbound operator HTTP attempts by endpoint and result class",
	}, []string{"endpoint", "result"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome (delivered, failed, dead_letter)",
	}, []string{"outcome"})

	WebhooksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_webhooks_claimed_total",
		Help: "Outbox entries claimed by the poller",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by admission control",
	})

	ReapedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reaped_transactions_total",
		Help: "Stale PROCESSING transactions resolved by the reaper by resulting status",
	}, []string{"status"})
)
