package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyRequestsTotal counts verify requests by resolved plan and HTTP status.
	VerifyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "verify_requests_total",
		Help:      "Total verify requests by resolved plan and HTTP status.",
	}, []string{"plan", "status"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SubscriptionActivationsTotal counts accounts upgraded by subscription events.
	SubscriptionActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "subscription_activations_total",
		Help:      "Accounts upgraded to pro by subscription events, by device link outcome.",
	}, []string{"device_linked"})

	// TrialMergesTotal counts devices whose trial start was pulled back by a fingerprint match.
	TrialMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "trial_merges_total",
		Help:      "Devices whose trial start was inherited from an earlier device with the same fingerprint.",
	})

	// LedgerConflictsTotal counts optimistic-concurrency retries by operation.
	LedgerConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "ledger_conflicts_total",
		Help:      "Ledger version conflicts that forced a retry, by operation.",
	}, []string{"op"})

	// RateLimitedTotal counts requests rejected by the per-IP limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "talkscribe",
		Subsystem: "license",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-IP rate limiter, by route.",
	}, []string{"route"})
)

// GateDecisionsTotal counts client gate decisions by reason and outcome.
var GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "talkscribe",
	Subsystem: "agent",
	Name:      "gate_decisions_total",
	Help:      "Entitlement gate decisions by reason and outcome.",
}, []string{"reason", "allowed"})
