package payee

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_kit_requests_total",
		Help: "Requests that entered the payment pipeline, by outcome",
	}, []string{"outcome"})

	settledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_kit_settled_total",
		Help: "Requests settled with a new unsigned proposal",
	})

	settleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_kit_settle_duration_seconds",
		Help:    "Wall time of the settle step",
		Buckets: prometheus.DefBuckets,
	})

	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_kit_persist_failures_total",
		Help: "Asynchronous persist steps that failed",
	})

	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_kit_claims_total",
		Help: "Claim attempts by the scheduler, by outcome",
	}, []string{"outcome"})
)
