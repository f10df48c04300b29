package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Number of job executions by final status.",
		}, []string{"job", "status"},
	)
	jobMisfires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "job",
			Name:      "misfires_total",
			Help:      "Number of due fires skipped by the concurrency gate or discarded past the misfire grace.",
		}, []string{"job"},
	)
	jobRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "schedd",
			Subsystem: "job",
			Name:      "running_executions",
			Help:      "Current in-flight executions per job.",
		}, []string{"job"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "schedd",
			Subsystem: "job",
			Name:      "execution_duration_seconds",
			Help:      "Observed execution durations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"},
	)

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"name"},
	)
	processState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "schedd",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of supervised processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	workflowTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "schedd",
			Subsystem: "workflow",
			Name:      "tasks_total",
			Help:      "Number of workflow task outcomes.",
		}, []string{"workflow", "status"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		jobRuns, jobMisfires, jobRunning, jobDuration,
		processStarts, processStops, processRestarts, processState,
		workflowTasks,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers no-op until Register has been called.

func IncJobRun(job, status string) {
	if regOK.Load() {
		jobRuns.WithLabelValues(job, status).Inc()
	}
}

func IncMisfire(job string) {
	if regOK.Load() {
		jobMisfires.WithLabelValues(job).Inc()
	}
}

func SetRunningExecutions(job string, n int) {
	if regOK.Load() {
		jobRunning.WithLabelValues(job).Set(float64(n))
	}
}

func ObserveJobDuration(job string, seconds float64) {
	if regOK.Load() {
		jobDuration.WithLabelValues(job).Observe(seconds)
	}
}

func IncProcessStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncProcessStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncProcessRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

// SetProcessState marks state as the single active state for name.
func SetProcessState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		processState.WithLabelValues(name, s).Set(v)
	}
}

func IncWorkflowTask(workflow, status string) {
	if regOK.Load() {
		workflowTasks.WithLabelValues(workflow, status).Inc()
	}
}
