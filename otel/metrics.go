package otel

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/toolrelay/tool"
)

// PrometheusObserver exposes the same signals as ToolObserver as Prometheus
// collectors for the /metrics scrape endpoint.
type PrometheusObserver struct {
	reconciles *prometheus.CounterVec
	changes    *prometheus.CounterVec
	health     *prometheus.CounterVec
	serverUp   *prometheus.GaugeVec
	jobs       *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolrelay_reconcile_runs_total",
			Help: "Number of manifest reconciliations.",
		}, []string{"namespace", "success"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolrelay_reconcile_changes_total",
			Help: "Entries created, updated or soft-deleted by reconciliation.",
		}, []string{"namespace", "collection", "op"}),
		health: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolrelay_health_checks_total",
			Help: "Number of tool server health probes.",
		}, []string{"namespace", "status"}),
		serverUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolrelay_server_up",
			Help: "1 when the last health probe of a tool server succeeded.",
		}, []string{"namespace"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolrelay_job_ticks_total",
			Help: "Number of scheduled job ticks.",
		}, []string{"job", "acquired"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolrelay_tasks_total",
			Help: "Number of forwarded tool-call tasks.",
		}, []string{"namespace", "completed", "error_code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolrelay_operation_duration_seconds",
			Help:    "Latency of registry and worker operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{o.reconciles, o.changes, o.health, o.serverUp, o.jobs, o.tasks, o.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) ObserveReconcile(observation tool.ReconcileObservation) {
	o.reconciles.WithLabelValues(observation.Namespace, strconv.FormatBool(observation.Success)).Inc()
	o.latency.WithLabelValues("reconcile").Observe(seconds(observation.DurationMS))
	for collection, summary := range map[string]tool.DiffSummary{
		"tools":            observation.Tools,
		"credential_types": observation.CredentialTypes,
		"trigger_types":    observation.TriggerTypes,
	} {
		o.changes.WithLabelValues(observation.Namespace, collection, "created").Add(float64(summary.Created))
		o.changes.WithLabelValues(observation.Namespace, collection, "updated").Add(float64(summary.Updated))
		o.changes.WithLabelValues(observation.Namespace, collection, "deleted").Add(float64(summary.Deleted))
	}
}

func (o *PrometheusObserver) ObserveHealth(observation tool.HealthObservation) {
	o.health.WithLabelValues(observation.Namespace, string(observation.Status)).Inc()
	up := 0.0
	if observation.Status == tool.HealthUp {
		up = 1
	}
	o.serverUp.WithLabelValues(observation.Namespace).Set(up)
	o.latency.WithLabelValues("health_check").Observe(seconds(observation.DurationMS))
}

func (o *PrometheusObserver) ObserveJob(observation tool.JobObservation) {
	o.jobs.WithLabelValues(observation.Job, strconv.FormatBool(observation.Acquired)).Inc()
	if observation.Acquired {
		o.latency.WithLabelValues("job_" + observation.Job).Observe(seconds(observation.DurationMS))
	}
}

func (o *PrometheusObserver) ObserveTask(observation tool.TaskObservation) {
	o.tasks.WithLabelValues(observation.Namespace, strconv.FormatBool(observation.Completed), observation.ErrorCode).Inc()
	o.latency.WithLabelValues("task").Observe(seconds(observation.DurationMS))
}

var _ tool.Observer = (*PrometheusObserver)(nil)
