// Package dispatcher runs operations against the native core.
//
// A Dispatcher owns a single worker goroutine with an unbounded FIFO inbox.
// Launch never blocks the caller in asynchronous mode; operations from one
// producer run in the order that producer launched them. In testing mode the
// operation runs on the caller before Launch returns and a panic propagates
// to the caller.
//
// Operations launched before the native core is ready are captured by an
// embedded taskqueue.Queue and replayed by Flush:
//
//	d := dispatcher.New(dispatcher.WithLogger(logger))
//	defer d.Close(ctx)
//
//	d.Launch(createMetric)       // captured
//	d.Launch(setValue)           // captured
//	core.Initialize(ctx, cfg)
//	d.Flush(ctx)                 // both ran, in order
//	d.Launch(setValue).Wait(ctx) // runs on the worker
//
// Launched work is never cancelled. Contexts only bound how long a caller
// waits.
package dispatcher
