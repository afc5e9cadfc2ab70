package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adamavenir/codeindex/internal/reconcile"
	"github.com/adamavenir/codeindex/internal/upload"
)

// Metrics holds the indexer's Prometheus collectors.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	files    *prometheus.CounterVec
	nodes    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_runs_total",
			Help: "Index and sync runs by kind and result",
		}, []string{"kind", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeindex_run_duration_seconds",
			Help:    "Index and sync run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"kind"}),
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_files_total",
			Help: "Files handled by the upload pipeline by outcome",
		}, []string{"outcome"}),
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeindex_reconcile_nodes_total",
			Help: "Merkle nodes negotiated with the index service by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeRun(kind string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(kind, result).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) observeSkip(kind string) {
	m.runs.WithLabelValues(kind, "skipped").Inc()
}

func (m *Metrics) observeUpload(r upload.Report) {
	m.files.WithLabelValues("uploaded").Add(float64(r.Uploaded))
	m.files.WithLabelValues("oversize").Add(float64(r.Oversize))
	m.files.WithLabelValues("unreadable").Add(float64(r.Unreadable))
	m.files.WithLabelValues("failed").Add(float64(r.Failed))
	m.files.WithLabelValues("skipped").Add(float64(r.Skipped))
}

func (m *Metrics) observeReconcile(r *reconcile.Result) {
	m.nodes.WithLabelValues("visited").Add(float64(r.Visited))
	m.nodes.WithLabelValues("matched").Add(float64(r.Matched))
	m.nodes.WithLabelValues("dropped").Add(float64(r.Dropped))
	m.nodes.WithLabelValues("abandoned").Add(float64(r.Abandoned))
}
