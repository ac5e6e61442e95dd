// Package metrics exposes runguard counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runguard"

// Registry holds every runguard collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// TriggersTotal counts trigger requests by outcome: "accepted" or an error kind.
	TriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_total",
		Help:      "Trigger requests by outcome.",
	}, []string{"outcome"})

	ClaimsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_released_total",
		Help:      "Claims released after the orchestrator did not accept a run.",
	})

	ReleaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claim_release_failures_total",
		Help:      "Claims that could not be released and were left for the reconciler.",
	})

	AdapterDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "orchestrator_call_duration_seconds",
		Help:      "Orchestrator adapter call latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op", "result"})

	// StatusRefreshes counts status reads by refresh result: "fresh",
	// "fallback" (stale snapshot served) or "skipped".
	StatusRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_refreshes_total",
		Help:      "Status reads by refresh result.",
	}, []string{"result"})

	RunTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_transitions_total",
		Help:      "Run state transitions by target status and source.",
	}, []string{"to", "source"})

	ReconcilerSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_sweeps_total",
		Help:      "Reconciler sweeps by result.",
	}, []string{"result"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Run lifecycle events by sink and result.",
	}, []string{"sink", "result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TriggersTotal,
		ClaimsReleased,
		ReleaseFailures,
		AdapterDuration,
		StatusRefreshes,
		RunTransitions,
		ReconcilerSweeps,
		EventsPublished,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
