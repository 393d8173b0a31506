package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "actionban"

var (
	// DatagramsReceived counts UDP datagrams by command and outcome.
	DatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datagrams_total",
		Help:      "UDP datagrams received, by command and result.",
	}, []string{"command", "result"})

	// ActionsRecorded counts action events added to jail counters.
	ActionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Action events added to jail counters.",
	}, []string{"jail"})

	// Bans counts ban attempts by outcome.
	Bans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bans_total",
		Help:      "Ban attempts issued to the enforcer.",
	}, []string{"jail", "result"})

	// Unbans counts expiry removals by outcome.
	Unbans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbans_total",
		Help:      "Unban attempts issued to the enforcer.",
	}, []string{"jail", "result"})

	// EnforcementDuration records enforcer command latency.
	EnforcementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "enforcement_duration_seconds",
		Help:      "Enforcer call latency in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"op"})

	// TickDuration records reconciliation tick duration.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Reconciliation tick duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// TicksSkipped counts ticks dropped because the loop fell behind.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because a previous tick overran.",
	})

	// TrackedIPs is a gauge of live counters per jail.
	TrackedIPs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_ips",
		Help:      "IPs with a live rolling counter per jail.",
	}, []string{"jail"})

	// ActiveMembers is a gauge of banned IPs per jail.
	ActiveMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_members",
		Help:      "Currently banned IPs per jail.",
	}, []string{"jail"})

	// PersistFailures counts failed membership flushes.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Failed flushes of jail state to the store.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
