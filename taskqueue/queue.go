package taskqueue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/instrument"
)

// Task is a captured unit of work. Its identity is its queue position.
type Task func()

// Mode is the lifecycle state of a Queue.
type Mode uint8

const (
	ModeQueueing Mode = iota
	ModeDraining
	ModePassThrough
)

func (m Mode) String() string {
	switch m {
	case ModeQueueing:
		return "queueing"
	case ModeDraining:
		return "draining"
	case ModePassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// Runner executes a task that is leaving the queue, either replayed by
// Flush or submitted in PassThrough mode.
type Runner func(Task)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithRunner routes tasks leaving the queue through r instead of calling
// them directly on the current goroutine.
func WithRunner(r Runner) Option {
	return func(q *Queue) {
		if r != nil {
			q.runner = r
		}
	}
}

// WithMetrics sets the queue's instrumentation.
func WithMetrics(m instrument.QueueMetrics) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// Queue buffers tasks until Flush, then runs them immediately.
// It is safe for use by many producers; exactly one goroutine drains it.
type Queue struct {
	logger  *zap.Logger
	metrics instrument.QueueMetrics
	runner  Runner
	backlog []Task
	mu      sync.Mutex
	mode    Mode
}

// New creates a queue in Queueing mode.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger:  Logger(),
		metrics: instrument.Nop(),
		runner:  func(t Task) { t() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueOrRun appends task to the backlog unless the queue is in
// PassThrough mode, in which case the task runs before EnqueueOrRun
// returns. It reports whether the task was queued.
func (q *Queue) EnqueueOrRun(task Task) bool {
	if task == nil {
		return false
	}

	q.mu.Lock()
	if q.mode != ModePassThrough {
		q.backlog = append(q.backlog, task)
		depth := len(q.backlog)
		q.mu.Unlock()
		q.metrics.TaskQueued(depth)
		return true
	}
	q.mu.Unlock()

	q.runner(task)
	return false
}

// Flush replays every captured task in insertion order and switches the
// queue to PassThrough. Tasks enqueued while Flush is replaying run after
// the ones already captured. It returns the number of tasks replayed.
//
// Only the first call does anything; later calls log and return 0.
func (q *Queue) Flush() int {
	q.mu.Lock()
	if q.mode != ModeQueueing {
		mode := q.mode
		q.mu.Unlock()
		q.logger.Warn("task queue already flushed", zap.Stringer("mode", mode))
		return 0
	}
	q.mode = ModeDraining

	ran := 0
	for {
		batch := q.backlog
		q.backlog = nil
		if len(batch) == 0 {
			// Backlog observed empty under the lock: nothing can slip in
			// between this check and the mode switch.
			q.mode = ModePassThrough
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()

		for i, task := range batch {
			q.replay(ran+i, task)
			batch[i] = nil
		}
		ran += len(batch)

		q.mu.Lock()
	}

	q.metrics.TasksFlushed(ran)
	q.logger.Debug("task queue flushed", zap.Int("tasks", ran))
	return ran
}

// replay runs one captured task. A panicking task is logged and skipped so
// the rest of the backlog still runs.
func (q *Queue) replay(pos int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.metrics.TaskPanicked()
			q.logger.Error("queued task panicked",
				zap.Int("position", pos),
				zap.Error(errors.Recovered("flush", r)),
				zap.Stack("stack"))
		}
	}()
	q.runner(task)
}

// Discard drops every captured task without running it and returns how many
// were dropped. The mode is unchanged.
func (q *Queue) Discard() int {
	q.mu.Lock()
	n := len(q.backlog)
	q.backlog = nil
	q.mu.Unlock()
	if n > 0 {
		q.logger.Warn("discarded queued tasks", zap.Int("tasks", n))
	}
	return n
}

// State returns the current mode.
func (q *Queue) State() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// Len returns the number of captured tasks waiting for Flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}
