package diagnostics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline stage latency and run outcomes. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	fallbacks     prometheus.Counter
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radpipe_pipeline_stage_duration_seconds",
			Help:    "Duration of each diagnostic pipeline stage.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radpipe_pipeline_runs_total",
			Help: "Diagnostic pipeline runs by outcome.",
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radpipe_pipeline_synthetic_fallbacks_total",
			Help: "Runs that substituted a synthetic slice for an unparseable upload.",
		}),
	}
	reg.MustRegister(m.stageDuration, m.runs, m.fallbacks)
	return m
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) recordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}
