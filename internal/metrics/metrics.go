// Package metrics exposes engine and scheduler state to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hazardwatch/internal/camera"
	"hazardwatch/internal/detection"
	"hazardwatch/internal/pipeline"
	"hazardwatch/internal/risk"
)

// Source is read on every scrape
type Source interface {
	Cameras() []camera.Camera
	ActiveCount() int
	Safety() risk.SafetyScore
}

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	cycles     *prometheus.CounterVec
	cycleTime  prometheus.Histogram
	accepted   *prometheus.CounterVec
	suppressed *prometheus.CounterVec
}

// New creates the collectors on a private registry. source may be nil, in
// which case only the counters are exported.
func New(source Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_scheduler_cycles_total",
			Help: "Scheduler cycles by outcome",
		}, []string{"outcome"}),
		cycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hazardwatch_scheduler_cycle_seconds",
			Help:    "Duration of scheduler cycles that ran a detection",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_detections_total",
			Help: "Accepted detections by category and severity",
		}, []string{"category", "severity"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazardwatch_predictions_suppressed_total",
			Help: "Predictions dropped before reaching the log, by reason",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.cycles, m.cycleTime, m.accepted, m.suppressed)

	if source != nil {
		m.RegisterSource(source)
	}
	return m
}

// RegisterSource adds the gauges read from src at scrape time. Call it at
// most once.
func (m *Metrics) RegisterSource(src Source) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hazardwatch_active_streams",
			Help: "Cameras currently holding a stream slot",
		},
		func() float64 { return float64(src.ActiveCount()) },
	))

	m.registry.MustRegister(&stateCollector{src: src})
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle implements pipeline.Observer.
func (m *Metrics) ObserveCycle(outcome pipeline.Outcome, elapsed time.Duration) {
	m.cycles.WithLabelValues(string(outcome)).Inc()
	if outcome == pipeline.OutcomeDetected || outcome == pipeline.OutcomeFailed {
		m.cycleTime.Observe(elapsed.Seconds())
	}
}

// DetectionAccepted implements engine.Observer.
func (m *Metrics) DetectionAccepted(d risk.Detection) {
	m.accepted.WithLabelValues(string(d.Category), string(d.Severity)).Inc()
}

// DetectionSuppressed implements engine.Observer.
func (m *Metrics) DetectionSuppressed(_ string, reason detection.Reason) {
	m.suppressed.WithLabelValues(string(reason)).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// stateCollector reports safety and per-camera state at scrape time, so
// removed cameras disappear without bookkeeping.
type stateCollector struct {
	src Source
}

var (
	safetyDesc = prometheus.NewDesc(
		"hazardwatch_safety_score",
		"Site-wide safety score (0-100) by dimension",
		[]string{"dimension"}, nil,
	)
	riskDesc = prometheus.NewDesc(
		"hazardwatch_camera_risk_score",
		"Current risk score of a camera (0-100)",
		[]string{"camera", "name"}, nil,
	)
	onlineDesc = prometheus.NewDesc(
		"hazardwatch_camera_online",
		"1 when the camera is active and online",
		[]string{"camera", "name"}, nil,
	)
)

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- safetyDesc
	ch <- riskDesc
	ch <- onlineDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Safety()
	for dim, v := range map[string]int{
		"overall":     s.Overall,
		"ppe":         s.PPE,
		"behavior":    s.Behavior,
		"environment": s.Environment,
	} {
		ch <- prometheus.MustNewConstMetric(safetyDesc, prometheus.GaugeValue, float64(v), dim)
	}

	for _, cam := range c.src.Cameras() {
		online := 0.0
		if cam.Live() {
			online = 1
		}
		ch <- prometheus.MustNewConstMetric(riskDesc, prometheus.GaugeValue, float64(cam.RiskScore), cam.ID, cam.Name)
		ch <- prometheus.MustNewConstMetric(onlineDesc, prometheus.GaugeValue, online, cam.ID, cam.Name)
	}
}
