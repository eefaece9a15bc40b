package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ticket outcomes per run
	TicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnsync_tickets_total",
			Help: "Total number of ticket actions by ticket type and action",
		},
		[]string{"type", "action"}, // action: created, updated, closed, skipped
	)

	JobErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vulnsync_job_errors_total",
			Help: "Total number of finding jobs that failed, by error category",
		},
		[]string{"category"},
	)

	RunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vulnsync_run_duration_seconds",
			Help:    "Duration of sync runs",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400}, // 10s to 4h
		},
		[]string{"outcome"},
	)

	CacheRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vulnsync_cache_rows",
			Help: "Rows loaded into the mapping cache at rebuild, by table",
		},
		[]string{"table"},
	)

	LastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vulnsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync run",
		},
	)
)

// RecordTicket records one ticket action
func RecordTicket(ticketType, action string) {
	TicketsTotal.WithLabelValues(ticketType, action).Inc()
}

// RecordJobError records a failed finding job
func RecordJobError(category string) {
	if category == "" {
		category = "unknown"
	}
	JobErrorsTotal.WithLabelValues(category).Inc()
}

// RecordCacheRows records the cache size after a rebuild
func RecordCacheRows(tasks, subtasks int) {
	CacheRows.WithLabelValues("task").Set(float64(tasks))
	CacheRows.WithLabelValues("subtask").Set(float64(subtasks))
}

// RecordRun records a finished run
func RecordRun(started, finished time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	} else {
		LastSuccessTimestamp.Set(float64(finished.Unix()))
	}
	RunDurationSeconds.WithLabelValues(outcome).Observe(finished.Sub(started).Seconds())
}
