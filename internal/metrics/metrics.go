// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	GateKey     = "key"
	GateCredit  = "credit"
	GateLicense = "license"

	OutcomePass               = "pass"
	OutcomeMissingCredential  = "missing_credential"
	OutcomeInvalidCredential  = "invalid_credential"
	OutcomeInsufficientFunds  = "insufficient_funds"
	OutcomeNoValidLicense     = "no_valid_license"
	OutcomeRateLimited        = "rate_limited"
	OutcomePersistenceFailure = "persistence_failure"

	EntityAPIKey  = "api_key"
	EntityLicense = "license"

	CacheHit  = "hit"
	CacheMiss = "miss"

	CreditOpDeduct = "deduct"
	CreditOpAdd    = "add"

	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var (
	initOnce sync.Once

	authzDecisionsCounter *prometheus.CounterVec
	cacheRequestsCounter  *prometheus.CounterVec
	creditOperationsVec   *prometheus.CounterVec
	creditsSpentCounter   prometheus.Counter
	touchFlushSizeHist    prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		authzDecisionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_decisions_total",
				Help: "Authorization gate decisions by gate and outcome.",
			},
			[]string{"gate", "outcome"},
		)

		cacheRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_requests_total",
				Help: "Cache-aside lookups by entity and hit/miss result.",
			},
			[]string{"entity", "result"},
		)

		creditOperationsVec = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_operations_total",
				Help: "Atomic credit mutations by operation and result.",
			},
			[]string{"op", "result"},
		)

		creditsSpentCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "credits_spent_total",
				Help: "Total credits successfully deducted.",
			},
		)

		touchFlushSizeHist = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usage_touch_flush_size",
				Help:    "Number of coalesced last-used touches per flush.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
			},
		)

		prometheus.MustRegister(
			authzDecisionsCounter,
			cacheRequestsCounter,
			creditOperationsVec,
			creditsSpentCounter,
			touchFlushSizeHist,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, pair := range [][2]string{
			{GateKey, OutcomePass},
			{GateKey, OutcomeMissingCredential},
			{GateKey, OutcomeInvalidCredential},
			{GateKey, OutcomeRateLimited},
			{GateCredit, OutcomePass},
			{GateCredit, OutcomeInsufficientFunds},
			{GateLicense, OutcomePass},
			{GateLicense, OutcomeNoValidLicense},
		} {
			authzDecisionsCounter.WithLabelValues(pair[0], pair[1])
		}

		for _, entity := range []string{EntityAPIKey, EntityLicense} {
			cacheRequestsCounter.WithLabelValues(entity, CacheHit)
			cacheRequestsCounter.WithLabelValues(entity, CacheMiss)
		}

		for _, op := range []string{CreditOpDeduct, CreditOpAdd} {
			for _, result := range []string{ResultOK, ResultRejected, ResultError} {
				creditOperationsVec.WithLabelValues(op, result)
			}
		}
	})
}

func IncAuthzDecision(gate, outcome string) {
	Init()
	authzDecisionsCounter.WithLabelValues(gate, outcome).Inc()
}

func IncCacheRequest(entity, result string) {
	Init()
	cacheRequestsCounter.WithLabelValues(entity, result).Inc()
}

func IncCreditOperation(op, result string) {
	Init()
	creditOperationsVec.WithLabelValues(op, result).Inc()
}

func AddCreditsSpent(amount int64) {
	Init()
	creditsSpentCounter.Add(float64(amount))
}

func ObserveTouchFlushSize(n int) {
	Init()
	touchFlushSizeHist.Observe(float64(n))
}
