package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/metrics-bridge/errors"
	"github.com/wippyai/metrics-bridge/instrument"
	"github.com/wippyai/metrics-bridge/taskqueue"
)

// Launch modes reported through instrument.DispatcherMetrics.
const (
	modeQueued = "queued"
	modeAsync  = "async"
	modeSync   = "sync"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger. The embedded queue shares it.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the instrumentation for the dispatcher and its queue.
func WithMetrics(m instrument.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithTestingMode starts the dispatcher in testing mode.
func WithTestingMode(enabled bool) Option {
	return func(d *Dispatcher) {
		d.testing = enabled
	}
}

// WithContext sets the context passed to every Operation.
func WithContext(ctx context.Context) Option {
	return func(d *Dispatcher) {
		if ctx != nil {
			d.ctx = ctx
		}
	}
}

// Dispatcher serializes operations onto one worker goroutine.
type Dispatcher struct {
	ctx     context.Context
	logger  *zap.Logger
	metrics instrument.Metrics
	queue   *taskqueue.Queue
	cond    *sync.Cond
	done    chan struct{}
	inbox   []taskqueue.Task
	// captured holds jobs launched before Flush until Flush hands them to
	// the worker, so Close can fail the ones it discards.
	captured map[uint64]*Job
	seq      atomic.Uint64
	mu       sync.Mutex
	testing  bool
	busy     bool
	closed   bool
	stopped  bool
}

// New creates a dispatcher and starts its worker. Operations launched
// before Flush are captured.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctx:      context.Background(),
		logger:   Logger(),
		metrics:  instrument.Nop(),
		done:     make(chan struct{}),
		captured: make(map[uint64]*Job),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cond = sync.NewCond(&d.mu)
	d.queue = taskqueue.New(
		taskqueue.WithLogger(d.logger),
		taskqueue.WithMetrics(d.metrics),
		taskqueue.WithRunner(d.execute),
	)

	go d.loop()
	return d
}

// Launch schedules op and returns its Job.
//
// Before Flush the operation is captured. After Flush it is handed to the
// worker, or in testing mode run on the caller before Launch returns; a
// panic in testing mode propagates to the caller. Launch after Close is
// logged and returns an already failed Job.
func (d *Dispatcher) Launch(op Operation) *Job {
	j := newJob(d.seq.Add(1), op)

	if op == nil {
		err := errors.InvalidInput(errors.PhaseDispatch, "nil operation")
		err.Op = "launch"
		j.finish(err)
		return j
	}

	// The closed check and the capture registration happen under one lock,
	// so Close either rejects the job here or sees it in d.captured.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("launch after close ignored", zap.Uint64("job", j.id))
		d.metrics.JobCompleted(instrument.OutcomeRejected)
		err := errors.Closed(errors.PhaseDispatch, "dispatcher")
		err.Op = "launch"
		j.finish(err)
		return j
	}
	mode := d.launchModeLocked()
	if mode == modeQueued {
		d.captured[j.id] = j
	}
	d.mu.Unlock()

	d.metrics.JobLaunched(mode)
	if mode == modeQueued {
		d.logger.Debug("operation captured before flush", zap.Uint64("job", j.id))
	}
	d.queue.EnqueueOrRun(func() {
		if j.claim() {
			d.runJob(j)
		}
	})
	return j
}

// EnqueueOrRun submits a raw task through the pre-initialization queue.
// It reports whether the task was captured.
func (d *Dispatcher) EnqueueOrRun(task taskqueue.Task) bool {
	if d.isClosed() {
		d.logger.Warn("task after close ignored")
		return false
	}
	return d.queue.EnqueueOrRun(task)
}

// Flush replays every captured operation in arrival order and waits until
// all of them completed or ctx is done. Only the first call replays
// anything.
func (d *Dispatcher) Flush(ctx context.Context) error {
	n := d.queue.Flush()

	// Every captured job has left the queue; the worker owns them now.
	d.mu.Lock()
	if d.captured != nil {
		d.captured = make(map[uint64]*Job)
	}
	d.mu.Unlock()

	if n == 0 {
		return nil
	}
	return d.Sync(ctx)
}

// Sync waits until every operation already handed to the worker completed.
// Captured operations are not waited for.
func (d *Dispatcher) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	d.execute(func() { close(reached) })
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTestingMode switches between asynchronous and testing mode. Switching
// into testing mode first waits for the inbox to drain, so operations
// launched earlier still run before later inline ones.
//
// It must not be called from inside an Operation.
func (d *Dispatcher) SetTestingMode(enabled bool) {
	d.mu.Lock()
	if enabled && !d.testing {
		d.waitIdleLocked()
	}
	d.testing = enabled
	d.mu.Unlock()
	d.logger.Debug("dispatcher mode changed", zap.Bool("testing", enabled))
}

// TestingMode reports whether operations run on the caller.
func (d *Dispatcher) TestingMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testing
}

// QueueState returns the mode of the embedded pre-initialization queue.
func (d *Dispatcher) QueueState() taskqueue.Mode {
	return d.queue.State()
}

// Captured returns the number of operations held by the unflushed
// pre-initialization queue.
func (d *Dispatcher) Captured() int {
	return d.queue.Len()
}

// Pending returns the number of tasks waiting in the worker's inbox.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox)
}

// Close stops accepting work, runs every accepted operation to completion
// and stops the worker. Operations still captured by an unflushed queue
// are discarded and their Jobs fail with a closed error. It returns ctx's
// error if ctx ends first; the worker still finishes in the background.
//
// It must not be called from inside an Operation.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	captured := d.captured
	d.captured = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	if !already {
		d.queue.Discard()
		d.abandon(captured)
		d.logger.Debug("dispatcher closing")
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// launchModeLocked picks how a new job leaves Launch. d.mu must be held.
func (d *Dispatcher) launchModeLocked() string {
	if d.queue.State() != taskqueue.ModePassThrough {
		return modeQueued
	}
	if d.testing {
		return modeSync
	}
	return modeAsync
}

// abandon fails every captured job that never started.
func (d *Dispatcher) abandon(jobs map[uint64]*Job) {
	n := 0
	for _, j := range jobs {
		if !j.claim() {
			continue
		}
		err := errors.Closed(errors.PhaseDispatch, "dispatcher")
		err.Op = "close"
		j.finish(err)
		d.metrics.JobCompleted(instrument.OutcomeRejected)
		n++
	}
	if n > 0 {
		d.logger.Warn("captured operations abandoned", zap.Int("jobs", n))
	}
}

// execute is the queue's runner: it hands a task to the worker, or runs it
// on the caller in testing mode.
func (d *Dispatcher) execute(t taskqueue.Task) {
	d.mu.Lock()
	if d.testing || d.stopped {
		stopped := d.stopped
		d.mu.Unlock()
		if stopped {
			// Lost a race with Close; the worker is gone.
			d.logger.Warn("dispatcher stopped, running task on caller")
		}
		t()
		return
	}
	d.inbox = append(d.inbox, t)
	depth := len(d.inbox)
	d.cond.Broadcast()
	d.mu.Unlock()
	d.metrics.InboxDepth(depth)
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.inbox) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.inbox) == 0 {
			d.stopped = true
			d.cond.Broadcast()
			d.mu.Unlock()
			d.logger.Debug("dispatcher worker stopped")
			return
		}
		t := d.inbox[0]
		d.inbox[0] = nil
		d.inbox = d.inbox[1:]
		depth := len(d.inbox)
		d.busy = true
		d.mu.Unlock()

		d.metrics.InboxDepth(depth)
		d.runTask(t)

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// runTask runs one task on the worker. Panics are logged and the worker
// moves on to the next task.
func (d *Dispatcher) runTask(t taskqueue.Task) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered("worker", r)
			if _, violation := errors.AsViolation(r); violation {
				d.logger.Error("protocol violation in operation", zap.Error(err), zap.Stack("stack"))
				return
			}
			d.logger.Error("operation panicked", zap.Error(err), zap.Stack("stack"))
		}
	}()
	t()
}

func (d *Dispatcher) runJob(j *Job) {
	timer := d.metrics.JobDuration()
	defer timer.ObserveDuration()

	outcome := instrument.OutcomePanic
	defer func() { d.metrics.JobCompleted(outcome) }()

	if err := j.run(d.ctx); err != nil {
		outcome = instrument.OutcomeError
		d.logger.Warn("operation failed", zap.Uint64("job", j.id), zap.Error(err))
		return
	}
	outcome = instrument.OutcomeOK
}

// waitIdleLocked blocks until the inbox is empty and the worker is not
// running a task. d.mu must be held.
func (d *Dispatcher) waitIdleLocked() {
	for (len(d.inbox) > 0 || d.busy) && !d.stopped {
		d.cond.Wait()
	}
}
