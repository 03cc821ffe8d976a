package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CapturesTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlog_captures_triggered_total",
		Help: "Captures dispatched after passing threshold and cooldown",
	}, []string{"trigger"})
	CapturesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlog_captures_failed_total",
		Help: "Captures whose persistence failed, by trigger and error code",
	}, []string{"trigger", "code"})
	InferenceTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldlog_inference_ticks_total",
		Help: "Inference ticks that ran the detector",
	})
	InferenceSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldlog_inference_skipped_total",
		Help: "Inference ticks skipped because the detector was busy",
	})
	InferenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldlog_inference_failures_total",
		Help: "Inference ticks that returned an error or panicked",
	})
	InferenceDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldlog_inference_duration_ms",
		Help:    "Detector call duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 150, 250, 500, 1000},
	})
	TrackedObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fieldlog_tracked_objects",
		Help: "Live tracks after the last tracker update",
	})
	HeadingDegrees = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fieldlog_heading_degrees",
		Help: "Fused heading in degrees",
	})
	GPSFixes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldlog_gps_fixes_total",
		Help: "GPS fixes applied to the position smoother, by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(CapturesTriggered)
	prometheus.MustRegister(CapturesFailed)
	prometheus.MustRegister(InferenceTicks)
	prometheus.MustRegister(InferenceSkipped)
	prometheus.MustRegister(InferenceFailures)
	prometheus.MustRegister(InferenceDurationMs)
	prometheus.MustRegister(TrackedObjects)
	prometheus.MustRegister(HeadingDegrees)
	prometheus.MustRegister(GPSFixes)
}

// Handler exposes the default registry for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
