// Package metrics holds the Prometheus collectors of the rig server.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "openlabrig"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	wheelMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wheel",
			Name:      "moves_total",
			Help:      "Wheel move commands by outcome.",
		},
		[]string{"wheel", "success"},
	)
	wheelMoveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wheel",
			Name:      "move_duration_seconds",
			Help:      "Wheel move duration in seconds, including arrival polling.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
		[]string{"wheel"},
	)
	selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rack",
			Name:      "selections_total",
			Help:      "Filter selections by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	rackWheels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rack",
			Name:      "wheels",
			Help:      "Wheels per membership state at the last index build.",
		},
		[]string{"state"},
	)
	indexEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rack",
			Name:      "index_entries",
			Help:      "Entries per filter index.",
		},
		[]string{"kind"},
	)
	shutterOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shutter",
			Name:      "open",
			Help:      "1 when the shutter was last commanded open.",
		},
	)
	ammeterCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ammeter",
			Name:      "current_amperes",
			Help:      "Last picoammeter reading.",
		},
	)
	ammeterReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ammeter",
			Name:      "reads_total",
			Help:      "Picoammeter reads by outcome.",
		},
		[]string{"success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			wheelMoves, wheelMoveDuration,
			selections, rackWheels, indexEntries,
			shutterOpen, ammeterCurrent, ammeterReads,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWheelMove(wheel string, duration time.Duration, success bool) {
	RegisterMetrics()
	wheelMoves.WithLabelValues(wheel, strconv.FormatBool(success)).Inc()
	wheelMoveDuration.WithLabelValues(wheel).Observe(duration.Seconds())
}

// RecordSelection counts a selection by outcome: ok, not_found, invalid or error.
func RecordSelection(kind, outcome string) {
	RegisterMetrics()
	selections.WithLabelValues(kind, outcome).Inc()
}

func SetRackMembership(online, offline int) {
	RegisterMetrics()
	rackWheels.WithLabelValues("online").Set(float64(online))
	rackWheels.WithLabelValues("offline").Set(float64(offline))
}

func SetIndexEntries(kind string, n int) {
	RegisterMetrics()
	indexEntries.WithLabelValues(kind).Set(float64(n))
}

func SetShutterOpen(open bool) {
	RegisterMetrics()
	if open {
		shutterOpen.Set(1)
		return
	}
	shutterOpen.Set(0)
}

func RecordAmmeterRead(current float64, err error) {
	RegisterMetrics()
	if err != nil {
		ammeterReads.WithLabelValues("false").Inc()
		return
	}
	ammeterReads.WithLabelValues("true").Inc()
	ammeterCurrent.Set(current)
}
