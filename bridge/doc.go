// Package bridge provides the context object host code uses to record
// metrics through a native core.
//
// A Bridge owns one dispatcher and one native.Core. Operations issued before
// Initialize are captured and replayed in order once the core is ready;
// afterwards they run on the dispatcher's worker, or on the caller in
// testing mode. Several bridges may live in one process.
//
// Metric values are host-side tokens for native handles. Destroy invalidates
// the token immediately: a later Set or Destroy panics on the caller's path
// with a protocol violation instead of reaching the core.
package bridge
