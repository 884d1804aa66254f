// File: internal/observability/metrics.go
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HookDuration records how long each runner hook took, including handler work.
	HookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remotesuite",
			Subsystem: "hook",
			Name:      "duration_seconds",
			Help:      "Duration of lifecycle hook execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"hook"},
	)

	// HookFailures counts hook bodies that returned an error or panicked.
	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remotesuite",
			Subsystem: "hook",
			Name:      "failures_total",
			Help:      "Total number of hook bodies that failed or panicked",
		},
		[]string{"hook", "kind"},
	)

	// ControlPlaneRequests counts requests made against the session API.
	ControlPlaneRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remotesuite",
			Subsystem: "control_plane",
			Name:      "requests_total",
			Help:      "Total number of control plane requests by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	// ScansTriggered counts scan script invocations by what caused them.
	ScansTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remotesuite",
			Subsystem: "accessibility",
			Name:      "scans_total",
			Help:      "Total number of accessibility scans triggered",
		},
		[]string{"trigger", "outcome"},
	)

	// FanOutInstances tracks how many instances each fan-out dispatch touched.
	FanOutInstances = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "remotesuite",
			Subsystem: "dispatch",
			Name:      "instances",
			Help:      "Number of sessions an action was dispatched to",
			Buckets:   prometheus.LinearBuckets(0, 1, 10),
		},
	)
)

// RecordControlPlaneRequest increments the request counter.
func RecordControlPlaneRequest(verb string, err error) {
	ControlPlaneRequests.WithLabelValues(verb, outcome(err)).Inc()
}

// RecordScan increments the scan counter for the given trigger.
func RecordScan(trigger string, err error) {
	ScansTriggered.WithLabelValues(trigger, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
