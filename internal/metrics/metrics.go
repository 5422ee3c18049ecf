// Package metrics exposes the fleet's Prometheus collectors and the /metrics
// HTTP handler served alongside the admin API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this process registers. A dedicated
// registry (rather than the global default) keeps /metrics free of Go
// runtime noise unless explicitly added below.
var Registry = prometheus.NewRegistry()

var (
	reconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "watchdog",
			Name:      "reconcile_cycles_total",
			Help:      "Total reconcile cycles run by the watchdog, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "watchdog",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of a single watchdog reconcile cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	instanceChurn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "watchdog",
			Name:      "instance_churn_total",
			Help:      "Instances added, refreshed, or removed by the watchdog.",
		},
		[]string{"action"},
	)

	scraperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "scraper",
			Name:      "runs_total",
			Help:      "Scraper run outcomes grouped by failure kind (\"none\" for success).",
		},
		[]string{"user", "failure_kind"},
	)

	monitorDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "monitor",
			Name:      "mirror_drift",
			Help:      "1 if the uptime-monitor mirror is out of sync with the active instance set for a user, 0 otherwise.",
		},
		[]string{"user"},
	)

	signinFailureState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "instance",
			Name:      "signin_failure_streak",
			Help:      "Current consecutive sign-in failure count per active user.",
		},
		[]string{"user"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Admin API requests handled, labeled by route and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"route", "method"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		reconcileCycles,
		reconcileDuration,
		instanceChurn,
		scraperRuns,
		monitorDrift,
		signinFailureState,
		httpRequests,
		httpDuration,
	)
}

// Handler returns the promhttp handler serving this registry's families.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveReconcile records a completed watchdog reconcile cycle.
func ObserveReconcile(outcome string, durationSeconds float64, added, refreshed, removed int) {
	reconcileCycles.WithLabelValues(outcome).Inc()
	reconcileDuration.Observe(durationSeconds)
	instanceChurn.WithLabelValues("added").Add(float64(added))
	instanceChurn.WithLabelValues("refreshed").Add(float64(refreshed))
	instanceChurn.WithLabelValues("removed").Add(float64(removed))
}

// ObserveScraperRun records one scraper run's outcome.
func ObserveScraperRun(user, failureKind string) {
	scraperRuns.WithLabelValues(user, failureKind).Inc()
}

// SetMonitorDrift records whether the uptime-monitor mirror is in sync for user.
func SetMonitorDrift(user string, drifted bool) {
	v := 0.0
	if drifted {
		v = 1.0
	}
	monitorDrift.WithLabelValues(user).Set(v)
}

// SetSigninFailureStreak records a user's current consecutive sign-in failure count.
func SetSigninFailureStreak(user string, streak int) {
	signinFailureState.WithLabelValues(user).Set(float64(streak))
}

// DeleteUser drops all per-user gauge series once a user is deleted, so
// cardinality stays bounded to active users only.
func DeleteUser(user string) {
	monitorDrift.DeleteLabelValues(user)
	signinFailureState.DeleteLabelValues(user)
}

// ObserveHTTP records a completed admin API request.
func ObserveHTTP(route, method, status string, durationSeconds float64) {
	httpRequests.WithLabelValues(route, method, status).Inc()
	httpDuration.WithLabelValues(route, method).Observe(durationSeconds)
}
