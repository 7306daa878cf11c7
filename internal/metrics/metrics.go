// Package metrics holds the gateway's Prometheus instrumentation.
// Collectors are registered on the default registry and exposed by the
// monitor server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "trustagent"
	subsystem = "gateway"
)

var (
	// RequestsTotal counts proxied requests by path and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Proxied requests by path and response status class.",
	}, []string{"path", "status"})

	// JobsSubmitted counts capture jobs accepted by the dispatcher queue.
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "audit_jobs_submitted_total",
		Help:      "Capture jobs accepted into the dispatcher queue.",
	})

	// JobsDropped counts capture jobs dropped because the queue was full
	// or the dispatcher was shutting down.
	JobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "audit_jobs_dropped_total",
		Help:      "Capture jobs dropped at submission time.",
	})

	// JobsCompleted counts jobs that produced an audit_result broadcast.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "audit_jobs_completed_total",
		Help:      "Capture jobs that produced an audit result.",
	})

	// JobsFailed counts jobs that ended in an audit_error broadcast.
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "audit_jobs_failed_total",
		Help:      "Capture jobs that failed verification.",
	})

	// EventsBroadcast counts events fanned out to subscribers by type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_broadcast_total",
		Help:      "Events fanned out to subscribers by event type.",
	}, []string{"type"})

	// SubscribersEvicted counts subscribers shed for full buffers.
	SubscribersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscribers_evicted_total",
		Help:      "Subscribers evicted because their buffer was full at broadcast time.",
	})

	// Subscribers tracks the current number of connected subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscribers",
		Help:      "Currently connected monitoring subscribers.",
	})

	// VerifierLatency observes wall-clock Evaluate durations.
	VerifierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "verifier_latency_seconds",
		Help:      "End-to-end verifier Evaluate latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
