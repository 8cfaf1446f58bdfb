package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolrelay/tool"
)

// ToolObserver records registry, scheduler and worker signals into
// OpenTelemetry.
type ToolObserver struct {
	tracer trace.Tracer

	reconciles metric.Int64Counter
	changes    metric.Int64Counter
	health     metric.Int64Counter
	jobs       metric.Int64Counter
	tasks      metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter/tracer.
// A nil tracer disables spans.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	reconciles, err := meter.Int64Counter(
		"toolrelay.reconcile.runs",
		metric.WithDescription("Number of manifest reconciliations"),
	)
	if err != nil {
		return nil, err
	}
	changes, err := meter.Int64Counter(
		"toolrelay.reconcile.changes",
		metric.WithDescription("Entries created, updated or soft-deleted by reconciliation"),
	)
	if err != nil {
		return nil, err
	}
	health, err := meter.Int64Counter(
		"toolrelay.health.checks",
		metric.WithDescription("Number of tool server health probes"),
	)
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter(
		"toolrelay.jobs.ticks",
		metric.WithDescription("Number of scheduled job ticks"),
	)
	if err != nil {
		return nil, err
	}
	tasks, err := meter.Int64Counter(
		"toolrelay.tasks",
		metric.WithDescription("Number of forwarded tool-call tasks"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolrelay.latency",
		metric.WithDescription("Latency of registry and worker operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:     tracer,
		reconciles: reconciles,
		changes:    changes,
		health:     health,
		jobs:       jobs,
		tasks:      tasks,
		latency:    latency,
	}, nil
}

// ObserveReconcile records one manifest reconciliation.
func (o *ToolObserver) ObserveReconcile(observation tool.ReconcileObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("namespace", observation.Namespace),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.reconciles.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds(observation.DurationMS), metric.WithAttributes(
		append(attrs, attribute.String("operation", "reconcile"))...,
	))
	for collection, summary := range map[string]tool.DiffSummary{
		"tools":            observation.Tools,
		"credential_types": observation.CredentialTypes,
		"trigger_types":    observation.TriggerTypes,
	} {
		o.addChanges(ctx, observation.Namespace, collection, "created", summary.Created)
		o.addChanges(ctx, observation.Namespace, collection, "updated", summary.Updated)
		o.addChanges(ctx, observation.Namespace, collection, "deleted", summary.Deleted)
	}

	o.span("tool.reconcile", observation.ErrorCode, append(attrs,
		attribute.String("manifest_url", observation.ManifestURL),
		attribute.Int("tools.created", observation.Tools.Created),
		attribute.Int("tools.updated", observation.Tools.Updated),
		attribute.Int("tools.deleted", observation.Tools.Deleted),
	))
}

func (o *ToolObserver) addChanges(ctx context.Context, namespace, collection, op string, n int) {
	if n == 0 {
		return
	}
	o.changes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("collection", collection),
		attribute.String("op", op),
	))
}

// ObserveHealth records one health probe.
func (o *ToolObserver) ObserveHealth(observation tool.HealthObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("namespace", observation.Namespace),
		attribute.String("status", string(observation.Status)),
		attribute.String("previous_status", string(observation.PreviousStatus)),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	o.health.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.latency.Record(ctx, seconds(observation.DurationMS), metric.WithAttributes(
		attribute.String("namespace", observation.Namespace),
		attribute.String("operation", "health_check"),
	))
}

// ObserveJob records one scheduled job tick.
func (o *ToolObserver) ObserveJob(observation tool.JobObservation) {
	if o == nil {
		return
	}
	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("job", observation.Job),
		attribute.Bool("acquired", observation.Acquired),
	}
	o.jobs.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !observation.Acquired {
		return
	}
	o.latency.Record(ctx, seconds(observation.DurationMS), metric.WithAttributes(
		attribute.String("job", observation.Job),
		attribute.String("operation", "job"),
	))
	errorCode := ""
	if observation.Failed > 0 {
		errorCode = tool.ErrorCodeRemote
	}
	o.span("tool.job", errorCode, append(attrs,
		attribute.Int("succeeded", observation.Succeeded),
		attribute.Int("failed", observation.Failed),
	))
}

// ObserveTask records one forwarded task.
func (o *ToolObserver) ObserveTask(observation tool.TaskObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("namespace", observation.Namespace),
		attribute.Bool("completed", observation.Completed),
		attribute.Bool("stream", observation.Stream),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	o.tasks.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.latency.Record(ctx, seconds(observation.DurationMS), metric.WithAttributes(
		attribute.String("namespace", observation.Namespace),
		attribute.String("operation", "task"),
	))
	o.span("tool.invoke", observation.ErrorCode, append(attrs,
		attribute.String("tool_name", observation.ToolName),
		attribute.Int("http.status_code", observation.StatusCode),
	))
}

func (o *ToolObserver) span(name, errorCode string, attrs []attribute.KeyValue) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
	if errorCode != "" {
		span.SetStatus(codes.Error, errorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func seconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}

var _ tool.Observer = (*ToolObserver)(nil)
