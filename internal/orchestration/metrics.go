package orchestration

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus instruments.
type Metrics struct {
	Runs          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	DriftSevere   *prometheus.GaugeVec
	Promotions    *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custintel",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custintel",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		DriftSevere: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "custintel",
			Name:      "drift_severe",
			Help:      "1 when the family's last drift check was severe.",
		}, []string{"family"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custintel",
			Name:      "model_promotions_total",
			Help:      "Promotion decisions by family and outcome.",
		}, []string{"family", "decision"}),
	}
	reg.MustRegister(m.Runs, m.StageDuration, m.DriftSevere, m.Promotions)
	return m
}
