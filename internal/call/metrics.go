package call

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricCallsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chime",
		Subsystem: "call",
		Name:      "started_total",
		Help:      "Call sessions created, by direction.",
	}, []string{"direction"})

	metricCallsConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chime",
		Subsystem: "call",
		Name:      "connected_total",
		Help:      "Calls that reached a live media path.",
	})

	metricCallsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chime",
		Subsystem: "call",
		Name:      "ended_total",
		Help:      "Terminal calls, by outcome and reason.",
	}, []string{"outcome", "reason"})

	metricActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chime",
		Subsystem: "call",
		Name:      "active",
		Help:      "Live call sessions (0 or 1).",
	})

	metricSetupSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chime",
		Subsystem: "call",
		Name:      "setup_seconds",
		Help:      "Time from dial/ring to connected.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45},
	})
)

func init() {
	prometheus.MustRegister(
		metricCallsStarted,
		metricCallsConnected,
		metricCallsEnded,
		metricActiveCalls,
		metricSetupSeconds,
	)
}
