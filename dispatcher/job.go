package dispatcher

import (
	"context"
	"sync/atomic"

	"github.com/wippyai/metrics-bridge/errors"
)

// Operation is a unit of work against the native core. A returned error is
// logged and recorded on the Job; it does not stop the dispatcher.
type Operation func(ctx context.Context) error

// Job tracks one launched Operation.
type Job struct {
	err     error
	op      Operation
	done    chan struct{}
	id      uint64
	claimed atomic.Bool
}

func newJob(id uint64, op Operation) *Job {
	return &Job{id: id, op: op, done: make(chan struct{})}
}

// ID returns the job's sequence number within its dispatcher.
func (j *Job) ID() uint64 { return j.id }

// Done is closed once the job finished, failed or was rejected.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished or ctx is done. It returns the job's
// error, or ctx's error if the wait was cut short. The job keeps running.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the job's error once it finished, nil before.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// claim reserves the job for exactly one of running or abandoning it.
func (j *Job) claim() bool {
	return j.claimed.CompareAndSwap(false, true)
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// run executes the operation. A panic is recorded on the job and then
// continues unwinding so the executor decides whether it is fatal.
func (j *Job) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			j.finish(errors.Recovered("job", r))
			panic(r)
		}
	}()
	err = j.op(ctx)
	j.finish(err)
	return err
}

// Rejected returns a Job that already failed with err without running
// anything. Callers that refuse work before it reaches a dispatcher use it
// to keep the Launch signature.
func Rejected(err error) *Job {
	j := newJob(0, nil)
	j.finish(err)
	return j
}
