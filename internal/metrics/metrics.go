// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodyline_ledger_submissions_total",
		Help: "Ledger submissions by operation and result",
	}, []string{"operation", "result"})

	LedgerSubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custodyline_ledger_submit_duration_seconds",
		Help:    "Time from submission to commit or failure",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	ProjectionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodyline_projection_failures_total",
		Help: "Cache projections that failed after a ledger commit",
	}, []string{"projection"})

	ProjectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custodyline_projections_dropped_total",
		Help: "Projections abandoned after exhausting retries or on a full queue",
	})

	ProjectorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custodyline_projector_queue_depth",
		Help: "Projections waiting for a worker",
	})

	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodyline_reconcile_repairs_total",
		Help: "Cache rows repaired from ledger state, by field",
	}, []string{"field"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custodyline_reconcile_sweeps_total",
		Help: "Completed reconciliation sweeps by result",
	}, []string{"result"})
)
