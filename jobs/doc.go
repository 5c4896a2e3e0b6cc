// Package jobs runs the background work of a store, such as creating,
// writing and compacting generations, delivering events, and balancing the
// RefGen pool. Jobs are run one at a time by a single goroutine, which also
// performs periodic maintenance while idle.
package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgstore_jobs_total",
		Help: "Cumulative number of background jobs run, by type and outcome.",
	}, []string{"type", "status"})
	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "msgstore_job_duration_seconds",
		Help: "Duration of background jobs, by type.",
	}, []string{"type"})
	queuedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgstore_jobs_queued",
		Help: "Number of background jobs awaiting their run.",
	})
	overflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_jobs_overflowed_total",
		Help: "Cumulative number of jobs which overflowed the job channel.",
	})
	maintenanceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgstore_job_maintenance_total",
		Help: "Cumulative number of periodic maintenance passes.",
	})
)
