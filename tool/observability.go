package tool

import "time"

// ReconcileObservation captures one manifest reconciliation.
type ReconcileObservation struct {
	Namespace       string
	ManifestURL     string
	DurationMS      int64
	Success         bool
	ErrorCode       string
	Tools           DiffSummary
	CredentialTypes DiffSummary
	TriggerTypes    DiffSummary
}

// HealthObservation captures one server health probe.
type HealthObservation struct {
	Namespace      string
	Status         HealthStatus
	PreviousStatus HealthStatus
	DurationMS     int64
	StatusCode     int
	ErrorCode      string
}

// JobObservation captures one scheduled job tick.
type JobObservation struct {
	Job        string
	Acquired   bool
	DurationMS int64
	Succeeded  int
	Failed     int
	Interval   time.Duration
}

// TaskObservation captures one forwarded task.
type TaskObservation struct {
	ToolName   string
	Namespace  string
	Completed  bool
	Stream     bool
	DurationMS int64
	StatusCode int
	ErrorCode  string
}

// Observer receives registry-level observability events. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveReconcile(observation ReconcileObservation)
	ObserveHealth(observation HealthObservation)
	ObserveJob(observation JobObservation)
	ObserveTask(observation TaskObservation)
}

// NoopObserver discards every observation.
type NoopObserver struct{}

func (NoopObserver) ObserveReconcile(ReconcileObservation) {}
func (NoopObserver) ObserveHealth(HealthObservation) {}
func (NoopObserver) ObserveJob(JobObservation) {}
func (NoopObserver) ObserveTask(TaskObservation) {}

// MultiObserver fans every observation out to each member in order.
type MultiObserver []Observer

func (m MultiObserver) ObserveReconcile(o ReconcileObservation) {
	for _, obs := range m {
		obs.ObserveReconcile(o)
	}
}

func (m MultiObserver) ObserveHealth(o HealthObservation) {
	for _, obs := range m {
		obs.ObserveHealth(o)
	}
}

func (m MultiObserver) ObserveJob(o JobObservation) {
	for _, obs := range m {
		obs.ObserveJob(o)
	}
}

func (m MultiObserver) ObserveTask(o TaskObservation) {
	for _, obs := range m {
		obs.ObserveTask(o)
	}
}

func observerOrNoop(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
