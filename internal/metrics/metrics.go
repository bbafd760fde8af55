// ABOUTME: Prometheus collectors for agent dispatch and StackMaid cleanup
// ABOUTME: Registered on the default registry at package init via promauto

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudstack"

// Outcome label values for cleanup delegates.
const (
	OutcomeExecuted    = "executed"
	OutcomeRetained    = "retained"
	OutcomeQuarantined = "quarantined"
)

var (
	// AgentsConnected is the number of agents attached to this node.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "connected",
		Help:      "Agents currently connected to this management server",
	})

	// RequestsSent counts command bundles sent to agents.
	// Labels: mode (sync, async, control)
	RequestsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "requests_total",
		Help:      "Command bundles sent to agents",
	}, []string{"mode"})

	// RequestLatency measures time from send to correlated answer.
	RequestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "request_latency_seconds",
		Help:      "Time between sending a command bundle and receiving its answers",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// RequestTimeouts counts sequences that expired without an answer.
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "timeouts_total",
		Help:      "Sequences that timed out before an answer arrived",
	})

	// UnmatchedAnswers counts answers with no live registration.
	// Labels: reason (late, unknown)
	UnmatchedAnswers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "unmatched_answers_total",
		Help:      "Answers discarded because no registration was waiting for them",
	}, []string{"reason"})

	// BadResponses counts agent replies that were undecodable or had the wrong answer count.
	BadResponses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "bad_responses_total",
		Help:      "Agent responses rejected because their answers did not match the request",
	})

	// ListenerFailures counts listener callbacks that returned an error or panicked.
	// Labels: event (connect, disconnect, commands, control, answers, timeout)
	ListenerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "listener_failures_total",
		Help:      "Listener callbacks that failed or panicked",
	}, []string{"event"})

	// CleanupDelegates counts processed leftover entries.
	// Labels: outcome (executed, retained, quarantined)
	CleanupDelegates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stackmaid",
		Name:      "delegates_total",
		Help:      "Cleanup delegates processed by recovery and GC sweeps",
	}, []string{"outcome"})

	// GCSweeps counts GC ticks.
	// Labels: result (swept, skipped, failed)
	GCSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stackmaid",
		Name:      "gc_sweeps_total",
		Help:      "StackMaid garbage collection ticks",
	}, []string{"result"})

	// GCDuration measures sweep duration when the lock was acquired.
	GCDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "stackmaid",
		Name:      "gc_duration_seconds",
		Help:      "Duration of StackMaid GC sweeps",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
