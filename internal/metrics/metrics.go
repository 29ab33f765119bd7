package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "billing"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connector_sync_duration_seconds",
		Help:      "Time taken for a connector sync run to reach a terminal state.",
		Buckets:   syncDurationBuckets,
	}, []string{"connector_type", "sync_type"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_sync_runs_total",
		Help:      "Count of sync runs by terminal status.",
	}, []string{"connector_type", "sync_type", "status"})

	SyncTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_sync_triggers_total",
		Help:      "Count of sync trigger attempts by outcome.",
	}, []string{"connector_type", "sync_type", "outcome"})

	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_sync_records_total",
		Help:      "Records processed by sync runs.",
	}, []string{"connector_type", "entity_type", "direction", "outcome"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connector_sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last completed sync per connector type.",
	}, []string{"connector_type"})

	SyncRunsReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_sync_runs_reaped_total",
		Help:      "Runs failed by the reaper after exceeding the maximum duration.",
	}, []string{"sync_type"})

	SyncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connector_sync_queue_depth",
		Help:      "Jobs waiting in the in-process sync queue.",
	})

	SyncLockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_lock_acquisitions_total",
		Help:      "Sync lock attempts by scope and outcome (acquired, busy, error).",
	}, []string{"scope", "mode", "outcome"})

	SyncLocksLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_locks_lost_total",
		Help:      "Held sync locks whose lease could not be renewed.",
	}, []string{"scope"})

	// Connector Metrics
	ProbeResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_probe_results_total",
		Help:      "Connectivity probe outcomes.",
	}, []string{"connector_type", "result"})

	// Webhook Metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_webhook_deliveries_total",
		Help:      "Inbound webhook deliveries by outcome.",
	}, []string{"connector_type", "outcome"})
)
