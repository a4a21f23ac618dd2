package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportJobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_jobs_started_total",
		Help: "Number of export jobs that entered the processing state.",
	})
	exportJobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_jobs_completed_total",
		Help: "Number of export jobs that completed successfully.",
	})
	exportJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_jobs_failed_total",
		Help: "Number of export jobs that terminated with an error.",
	})
	exportJobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_jobs_cancelled_total",
		Help: "Number of export jobs cancelled by a client.",
	})
	exportRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "export_rows_total",
		Help: "Total rows written to export artifacts.",
	})
	exportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "export_job_duration_seconds",
		Help:    "Wall-clock duration of completed export pipelines.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func RecordExportStarted()   { exportJobsStarted.Inc() }
func RecordExportCompleted() { exportJobsCompleted.Inc() }
func RecordExportFailed()    { exportJobsFailed.Inc() }
func RecordExportCancelled() { exportJobsCancelled.Inc() }

// AddExportedRows accounts rows written to an artifact.
func AddExportedRows(n int64) {
	if n > 0 {
		exportRows.Add(float64(n))
	}
}

// ObserveExportDuration records the duration of a finished pipeline run.
func ObserveExportDuration(seconds float64) {
	exportDuration.Observe(seconds)
}
