package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/biotech-recon/internal/model"
)

// Metrics records run outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	runs         *prometheus.CounterVec
	observations *prometheus.CounterVec
	issues       *prometheus.CounterVec
	entities     *prometheus.CounterVec
	writes       prometheus.Counter
	duration     prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biotech_recon_runs_total",
			Help: "Pipeline runs by result.",
		}, []string{"result"}),
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biotech_recon_observations_total",
			Help: "Observations by terminal state and failed stage.",
		}, []string{"state", "failed_at"}),
		issues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biotech_recon_issues_total",
			Help: "Run issues by kind.",
		}, []string{"kind"}),
		entities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biotech_recon_entities_total",
			Help: "Reconciled entities by outcome.",
		}, []string{"outcome"}),
		writes: f.NewCounter(prometheus.CounterOpts{
			Name: "biotech_recon_canonical_writes_total",
			Help: "Canonical record writes.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "biotech_recon_run_duration_seconds",
			Help:    "Wall time of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Observe adds a finished run to the collectors.
func (m *Metrics) Observe(r *model.RunReport) {
	if m == nil || r == nil {
		return
	}
	result := "completed"
	if r.Aborted {
		result = "aborted"
	}
	m.runs.WithLabelValues(result).Inc()
	for _, o := range r.Observations {
		m.observations.WithLabelValues(string(o.State), string(o.FailedAt)).Inc()
	}
	for _, is := range r.Issues {
		m.issues.WithLabelValues(string(is.Kind)).Inc()
	}
	m.entities.WithLabelValues("new").Add(float64(r.NewEntities))
	m.entities.WithLabelValues("updated").Add(float64(r.UpdatedEntities))
	m.entities.WithLabelValues("unchanged").Add(float64(r.UnchangedEntities))
	m.writes.Add(float64(r.Writes))
	m.duration.Observe(r.Duration().Seconds())
}
