// Package metrics exposes conduit activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/conduit/pkg/api"
)

// Observer is an api.Observer recording into a Prometheus registry.
type Observer struct {
	api.NoopObserver

	executionsStarted    *prometheus.CounterVec
	executionsTerminated *prometheus.CounterVec
	jobsStarted          *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	workersDead          prometheus.Counter
	orphanedJobs         prometheus.Counter
	jobsResubmitted      *prometheus.CounterVec
}

var _ api.Observer = (*Observer)(nil)

// NewObserver registers the conduit metrics in reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		executionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_started_total",
			Help: "Executions that left CREATED.",
		}, []string{"namespace", "flow"}),
		executionsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_terminated_total",
			Help: "Executions that reached a terminal state.",
		}, []string{"namespace", "flow", "state"}),
		jobsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_jobs_started_total",
			Help: "Worker jobs started.",
		}, []string{"type"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_job_duration_seconds",
			Help:    "Worker job duration by final state.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"type", "state"}),
		workersDead: f.NewCounter(prometheus.CounterOpts{
			Name: "conduit_workers_dead_total",
			Help: "Workers declared dead by the liveness coordinator.",
		}),
		orphanedJobs: f.NewCounter(prometheus.CounterOpts{
			Name: "conduit_orphaned_jobs_total",
			Help: "Running jobs found on dead workers.",
		}),
		jobsResubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_jobs_resubmitted_total",
			Help: "Jobs of dead workers, by outcome.",
		}, []string{"outcome"}),
	}
}

func (o *Observer) OnExecutionStarted(ctx context.Context, exec *api.Execution) {
	o.executionsStarted.WithLabelValues(exec.Namespace, exec.FlowID).Inc()
}

func (o *Observer) OnExecutionTerminated(ctx context.Context, exec *api.Execution) {
	o.executionsTerminated.WithLabelValues(exec.Namespace, exec.FlowID, string(exec.State.Current)).Inc()
}

func (o *Observer) OnJobStarted(ctx context.Context, job *api.WorkerTask) {
	o.jobsStarted.WithLabelValues(job.Task.Type).Inc()
}

func (o *Observer) OnJobCompleted(ctx context.Context, job *api.WorkerTask, state api.StateType, err error, d time.Duration) {
	o.jobDuration.WithLabelValues(job.Task.Type, string(state)).Observe(d.Seconds())
}

func (o *Observer) OnWorkerDead(ctx context.Context, inst api.WorkerInstance, orphans int) {
	o.workersDead.Inc()
	o.orphanedJobs.Add(float64(orphans))
}

func (o *Observer) OnJobResubmitted(ctx context.Context, rec api.WorkerTaskRunning, dropped bool) {
	outcome := "resubmitted"
	if dropped {
		outcome = "dropped"
	}
	o.jobsResubmitted.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
