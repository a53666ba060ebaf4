// Package taskqueue implements the pre-initialization task queue.
//
// Calls made before the native core is ready are captured as tasks and
// replayed, in arrival order, once the core reports readiness. After that
// single flush the queue is a pass-through and every task runs immediately.
//
// # Modes
//
//	Queueing    -> tasks are appended to the backlog
//	Draining    -> Flush is replaying; new tasks join the tail of the backlog
//	PassThrough -> tasks run immediately; the backlog is empty forever
//
// The transitions happen exactly once per Queue, in that order.
//
// # Usage
//
//	q := taskqueue.New(taskqueue.WithLogger(logger))
//	q.EnqueueOrRun(func() { ... }) // captured
//	q.Flush()                      // replays, then switches to PassThrough
//	q.EnqueueOrRun(func() { ... }) // runs now
//
// Flush never holds the queue lock while a task runs, so tasks may enqueue
// further tasks; those run after everything already captured.
package taskqueue
