// Package metrics holds the Prometheus collectors shared by the core and the adapters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CouponIssue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commerce_coupon_issue_total",
		Help: "Coupon issuance attempts by result.",
	}, []string{"result"})

	LockAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commerce_lock_acquire_total",
		Help: "Distributed lock acquisitions by result.",
	}, []string{"result"})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "commerce_lock_wait_seconds",
		Help:    "Time spent waiting for a distributed lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	SagaEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commerce_saga_events_total",
		Help: "Saga events dispatched by type.",
	}, []string{"type"})
)
