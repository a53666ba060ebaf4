// Package instrument provides the instrumentation port used by the queue,
// the dispatcher and the native boundary. Implementations are pluggable; the
// default is a no-op. See instrument/prometheus for a Prometheus backend.
package instrument

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// QueueMetrics instruments the pre-initialization task queue.
type QueueMetrics interface {
	// TaskQueued is called after a task joined the backlog.
	TaskQueued(depth int)
	// TasksFlushed is called once per drain with the number of tasks run.
	TasksFlushed(n int)
	// TaskPanicked is called when a drained task panicked.
	TaskPanicked()
}

// DispatcherMetrics instruments job execution.
type DispatcherMetrics interface {
	JobLaunched(mode string)
	JobCompleted(outcome string)
	InboxDepth(n int)
	JobDuration() Timer
}

// BoundaryMetrics instruments calls into the native core.
type BoundaryMetrics interface {
	NativeCall(op string) Timer
	NativeFailure(op string, code int32)
	LiveHandles(n int)
}

// Job outcomes reported through DispatcherMetrics.JobCompleted.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomePanic    = "panic"
	OutcomeRejected = "rejected"
)

// Metrics bundles every instrumentation surface.
type Metrics interface {
	QueueMetrics
	DispatcherMetrics
	BoundaryMetrics
}
