package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProductionsStarted counts launches by kind (new, revision) and result.
	ProductionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "production",
		Name:      "started_total",
		Help:      "Production launches by kind and result.",
	}, []string{"kind", "result"})

	// ProductionsSettled counts terminal video transitions by status and the actor that applied them.
	ProductionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "production",
		Name:      "settled_total",
		Help:      "Terminal video transitions by status and actor.",
	}, []string{"status", "actor"})

	// CreditsDebited sums credits taken for launches.
	CreditsDebited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "credits",
		Name:      "debited_total",
		Help:      "Credits debited for productions.",
	})

	// CreditsRefunded sums credits returned by reason.
	CreditsRefunded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "credits",
		Name:      "refunded_total",
		Help:      "Credits refunded by reason.",
	}, []string{"reason"})

	// LeaseConflicts counts acquire attempts refused because the lease was held.
	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "lease",
		Name:      "conflicts_total",
		Help:      "Lease acquisitions refused because another production holds the lease.",
	})

	// CallbackDeliveries counts worker callbacks by result.
	CallbackDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "worker",
		Name:      "callbacks_total",
		Help:      "Worker callback deliveries by result (applied, duplicate, rejected, error).",
	}, []string{"result"})

	// DispatchDuration tracks outbound worker dispatch latency including retries.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adreel",
		Subsystem: "worker",
		Name:      "dispatch_duration_seconds",
		Help:      "Worker dispatch duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})

	// BillingEvents counts Stripe webhook events by type and result.
	BillingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Stripe webhook events by type and result.",
	}, []string{"event_type", "result"})

	// SweepRuns counts timeout sweeper passes and how many videos each pass settled.
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adreel",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Timeout sweeper passes by result.",
	}, []string{"result"})
)
